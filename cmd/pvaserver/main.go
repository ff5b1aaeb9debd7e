package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/marmos91/pvaserver/internal/logger"
	"github.com/marmos91/pvaserver/pkg/config"
	"github.com/marmos91/pvaserver/pkg/server"
	"github.com/marmos91/pvaserver/pkg/source/static"
	"gopkg.in/yaml.v3"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		runInit(os.Args[2:])
		return
	}

	configPath := flag.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/pvaserver/config.yaml)")
	logLevel := flag.String("log-level", "", "Override log level (DEBUG, INFO, WARN, ERROR)")
	reportInterval := flag.Duration("report-interval", 0, "Interval for logging a connection report (0 to disable)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n       %s init [-force] [-path file]\n\nFlags:\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = strings.ToUpper(*logLevel)
	}

	if err := logger.Configure(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Println("pvaserver - PVAccess Server")
	logger.Info("Log level set to: %s", cfg.Logging.Level)
	logger.Info("Value store: %s", cfg.Store.Type)

	st, err := config.CreateStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("Failed to create value store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Failed to close value store: %v", err)
		}
	}()

	srvCfg, err := serverConfig(cfg)
	if err != nil {
		log.Fatalf("Invalid server configuration: %v", err)
	}

	var srv *server.Server
	reportHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		if err := yaml.NewEncoder(w).Encode(srv.Report(r.URL.Query().Get("zero") == "1")); err != nil {
			logger.Warn("Failed to write report: %v", err)
		}
	})
	metricsResult := config.InitializeMetrics(cfg, map[string]http.Handler{"/report": reportHandler})

	srv, err = server.New(srvCfg, metricsResult.PVAMetrics, st)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	for _, pv := range cfg.PVs {
		err := srv.Builtin().AddString(ctx, pv.Name, pv.Value)
		switch {
		case errors.Is(err, static.ErrExists):
			logger.Debug("PV %q restored from store", pv.Name)
		case err != nil:
			log.Fatalf("Failed to add pv %q: %v", pv.Name, err)
		default:
			logger.Info("PV added: %s", pv.Name)
		}
	}

	if metricsResult.Server != nil {
		go func() {
			if err := metricsResult.Server.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	if *reportInterval > 0 {
		go reportLoop(ctx, srv, *reportInterval)
	}
	go reloadOnHangup(ctx, srv, *configPath)

	logger.Info("Server configuration:")
	logger.Info("  TCP port: %d", srvCfg.TCPPort)
	logger.Info("  UDP port: %d", srvCfg.UDPPort)
	if srvCfg.TLS != nil {
		logger.Info("  TLS port: %d", srvCfg.TLSPort)
	}
	logger.Info("  Idle timeout: %v", srvCfg.IdleTimeout)

	if err := srv.Run(ctx); err != nil {
		logger.Error("Server error: %v", err)
		os.Exit(1)
	}

	if metricsResult.Server != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = metricsResult.Server.Stop(shutdownCtx)
	}
	logger.Info("Server stopped gracefully")
}

func serverConfig(cfg *config.Config) (server.Config, error) {
	srvCfg, err := cfg.ServerConfig()
	if err != nil {
		return server.Config{}, err
	}
	if srvCfg.TLS, err = cfg.TLSConfig(); err != nil {
		return server.Config{}, err
	}
	return srvCfg, nil
}

// reportLoop logs the connection report at every tick, zeroing the byte
// counters so each report covers one interval.
func reportLoop(ctx context.Context, srv *server.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			out, err := yaml.Marshal(srv.Report(true))
			if err != nil {
				logger.Warn("Failed to render report: %v", err)
				continue
			}
			logger.Info("Server report:\n%s", out)
		}
	}
}

// reloadOnHangup re-reads the configuration on SIGHUP and reconfigures
// the running server.
func reloadOnHangup(ctx context.Context, srv *server.Server, configPath string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		logger.Info("SIGHUP received, reloading configuration")
		cfg, err := config.Load(configPath)
		if err != nil {
			logger.Error("Reload failed: %v", err)
			continue
		}
		srvCfg, err := serverConfig(cfg)
		if err != nil {
			logger.Error("Reload failed: %v", err)
			continue
		}
		if err := srv.Reconfigure(srvCfg); err != nil {
			logger.Error("Reconfigure failed: %v", err)
		}
	}
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing config file")
	path := fs.String("path", "", "Write to this path instead of the default location")
	_ = fs.Parse(args)

	target := *path
	if target == "" {
		target = config.GetDefaultConfigPath()
	}
	if err := config.InitConfigToPath(target, *force); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	fmt.Printf("Configuration written to %s\n", target)
}
