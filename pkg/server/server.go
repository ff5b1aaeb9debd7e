// Package server implements a PVAccess server: TCP and TLS listeners, UDP
// search and beacons, and the per-connection channel and operation state
// machines. Data is served by Sources registered with AddSource.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/pvaserver/internal/evloop"
	"github.com/marmos91/pvaserver/internal/logger"
	"github.com/marmos91/pvaserver/internal/protocol/pva"
	"github.com/marmos91/pvaserver/internal/ratelimiter"
	"github.com/marmos91/pvaserver/pkg/metrics"
	"github.com/marmos91/pvaserver/pkg/registry"
	"github.com/marmos91/pvaserver/pkg/source"
	"github.com/marmos91/pvaserver/pkg/source/static"
	"github.com/marmos91/pvaserver/pkg/store"
	"github.com/marmos91/pvaserver/pkg/store/memory"
)

var log = logger.Named("pva.server")

// State is the lifecycle state of a Server.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	}
	return "Unknown"
}

type listener struct {
	ln     net.Listener
	secure bool
}

// Server is a PVAccess server.
//
// Architecture:
// A single event loop owns every connection, channel and operation. Socket
// goroutines (accept, per-connection read and write) only move bytes and
// hand work to the loop. UDP search runs on its own goroutine per socket
// and consults the source registry directly, which is guarded by a
// reader/writer lock.
//
// Lifecycle:
//  1. Creation: New() applies defaults and registers the builtin sources
//  2. Registration: AddSource() for each data provider
//  3. Startup: Start() binds sockets and begins beaconing
//  4. Shutdown: Stop() closes sockets and drops every connection
//
// Reconfigure() swaps the configuration while keeping registered sources.
//
// Thread safety:
// All methods are safe for concurrent use, but Start, Stop, Reconfigure
// and Report wait on the event loop and must not be called from Source
// callbacks.
//
// Example usage:
//
//	srv, err := server.New(cfg, prometheus.NewPVAMetrics(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv.AddSource("mysource", mySource, 0)
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
type Server struct {
	reg     *registry.Registry
	loop    *evloop.Loop
	metrics metrics.PVAMetrics
	builtin *static.Source

	state  atomic.Int32
	change atomic.Uint32

	cfgMu sync.RWMutex
	cfg   Config
	guid  pva.GUID

	// owned by the loop
	resp        *responder
	beaconDest  []netip.AddrPort
	beaconSched beaconSchedule
	beaconState beaconState
	beaconSeq   uint8
	beaconTimer *evloop.Timer
	beacon4     *net.UDPConn
	beacon6     *net.UDPConn
	plan        bindPlan
	listeners   []*listener
	udpConns    []*net.UDPConn
	tcpPort     int
	udpPort     int
	tlsPort     int
	conns       map[*conn]struct{}
	activeOps   int

	wg sync.WaitGroup
}

// New creates a stopped server.
//
// Parameters:
//   - cfg: server settings; zero values are replaced with defaults
//   - m: metrics sink, nil for none
//   - st: store backing the builtin static source, nil for an in-memory one
//
// The "__server" and "__builtin" sources are registered at priority -1.
func New(cfg Config, m metrics.PVAMetrics, st store.ValueStore) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.NewNoopPVAMetrics()
	}
	if st == nil {
		st = memory.NewMemoryValueStore()
	}

	builtin, err := static.New(context.Background(), st)
	if err != nil {
		return nil, fmt.Errorf("failed to create builtin source: %w", err)
	}

	s := &Server{
		reg:     registry.New(),
		loop:    evloop.New("pva.server"),
		metrics: m,
		builtin: builtin,
		conns:   make(map[*conn]struct{}),
	}
	s.rebuild(cfg)

	builtin.SetOnChange(s.bumpChange)
	if err := s.reg.Add(BuiltinPriority, ServerSourceName, &serverSource{srv: s}); err != nil {
		return nil, err
	}
	if err := s.reg.Add(BuiltinPriority, BuiltinSourceName, builtin); err != nil {
		return nil, err
	}
	return s, nil
}

// rebuild derives all configuration dependent state. It runs on the loop,
// or before the loop has any work.
func (s *Server) rebuild(cfg Config) {
	guid := s.deriveGUID(cfg, bindPort(cfg.TCPPort))

	s.cfgMu.Lock()
	s.cfg = cfg
	s.guid = guid
	s.cfgMu.Unlock()

	var ignore []netip.AddrPort
	for _, a := range cfg.IgnoreAddrs {
		if ap, err := parseEndpoint(a, 0); err == nil {
			ignore = append(ignore, ap)
		}
	}

	var ifaces []netip.Addr
	for _, a := range cfg.Interfaces {
		if ip, err := netip.ParseAddr(a); err == nil {
			ifaces = append(ifaces, ip)
		}
	}
	s.plan = planBind(ifaces, hostBroadcasts)

	destPort := cfg.UDPPort
	if destPort <= 0 {
		destPort = DefaultUDPPort
	}
	var dests []netip.AddrPort
	for _, a := range cfg.BeaconDestinations {
		if ap, err := parseEndpoint(a, destPort); err == nil {
			dests = appendUnique(dests, ap)
		}
	}
	if cfg.AutoBeacon {
		dests = beaconTargets(&s.plan, ifaces, dests, uint16(destPort), hostBroadcasts)
	}
	s.beaconDest = dests

	s.resp = &responder{
		guid:    guid,
		tcpPort: bindPort(cfg.TCPPort),
		tlsPort: bindPort(cfg.TLSPort),
		ignore:  ignore,
		limiter: ratelimiter.NewPeerLimiter(cfg.SearchRate, cfg.SearchBurst, ratelimiter.DefaultMaxPeers),
	}
	s.beaconSched = beaconSchedule{
		Short: cfg.BeaconShortInterval,
		Long:  cfg.BeaconLongInterval,
		Burst: cfg.BeaconBurst,
	}
	s.beaconState = beaconState{}
	s.beaconSeq = 0
	s.change.Store(0)
}

// makeGUID is replaced in tests.
var makeGUID = newGUID

// deriveGUID returns the cluster identity when a label is configured,
// otherwise a fresh random one mixed with tcpPort.
func (s *Server) deriveGUID(cfg Config, tcpPort int) pva.GUID {
	if cfg.ClusterLabel != "" {
		return clusterGUID(cfg.ClusterLabel)
	}
	return makeGUID(time.Now(), tcpPort, localAddrs())
}

func (s *Server) State() State { return State(s.state.Load()) }

func (s *Server) setState(st State) { s.state.Store(int32(st)) }

// Config returns the effective configuration, defaults applied.
func (s *Server) Config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// GUID returns the identity announced in beacons and search replies.
func (s *Server) GUID() pva.GUID {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.guid
}

// Builtin returns the static source registered as "__builtin".
func (s *Server) Builtin() *static.Source { return s.builtin }

// Change returns the change counter carried in beacons.
func (s *Server) Change() uint32 { return s.change.Load() }

func (s *Server) bumpChange() { s.change.Add(1) }

func (s *Server) responder() *responder { return s.resp }

// ============================================================================
// Source Registry
// ============================================================================

// AddSource registers src under (priority, name). Lower priorities are
// consulted first.
func (s *Server) AddSource(name string, src source.Source, priority int) error {
	if err := s.reg.Add(priority, name, src); err != nil {
		return err
	}
	s.bumpChange()
	log.Info("Added source %q at priority %d", name, priority)
	return nil
}

// RemoveSource unregisters and returns the source under (priority, name).
// Existing channels keep working.
func (s *Server) RemoveSource(name string, priority int) (source.Source, error) {
	src, err := s.reg.Remove(priority, name)
	if err != nil {
		return nil, err
	}
	s.bumpChange()
	log.Info("Removed source %q at priority %d", name, priority)
	return src, nil
}

func (s *Server) GetSource(name string, priority int) (source.Source, bool) {
	return s.reg.Get(priority, name)
}

// ListSources returns every registration key in consultation order.
func (s *Server) ListSources() []registry.Key {
	var keys []registry.Key
	s.reg.Range(func(e registry.Entry) bool {
		keys = append(keys, e.Key)
		return true
	})
	return keys
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start binds the listeners and the search socket and sends the first
// beacon. It does nothing unless the server is stopped.
func (s *Server) Start() error {
	var err error
	if cerr := s.loop.Call(func() { err = s.start() }); cerr != nil {
		return cerr
	}
	return err
}

func (s *Server) start() error {
	if s.State() != StateStopped {
		return nil
	}
	s.setState(StateStarting)

	if err := s.bind(); err != nil {
		s.closeSockets()
		s.setState(StateStopped)
		return err
	}

	cfg := s.Config()
	guid := s.deriveGUID(cfg, s.tcpPort)
	s.cfgMu.Lock()
	s.guid = guid
	s.cfgMu.Unlock()

	resp := *s.resp
	resp.guid = guid
	resp.tcpPort = s.tcpPort
	resp.tlsPort = s.tlsPort
	resp.tls = cfg.TLS != nil
	s.resp = &resp

	for _, l := range s.listeners {
		s.wg.Add(1)
		go s.acceptLoop(l)
	}
	for _, pc := range s.udpConns {
		s.wg.Add(1)
		go s.udpLoop(pc, s.resp)
	}

	s.setState(StateRunning)
	log.Info("Server %s listening on tcp/%d udp/%d", s.GUID(), s.tcpPort, s.udpPort)

	if len(s.beaconDest) > 0 {
		s.beaconTimer = s.loop.AfterFunc(0, s.sendBeacon)
	}
	return nil
}

// bind opens every socket of the bind plan. On failure the caller closes
// what was opened.
func (s *Server) bind() error {
	cfg := s.Config()
	lc := listenConfig()
	ctx := context.Background()

	port := bindPort(cfg.TCPPort)
	for i, host := range s.plan.tcp {
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil && i == 0 && port != 0 && isAddrInUse(err) {
			log.Warn("TCP port %d in use, falling back to a random port", port)
			ln, err = lc.Listen(ctx, "tcp", net.JoinHostPort(host, "0"))
		}
		if err != nil {
			return fmt.Errorf("failed to listen on tcp %q: %w", host, err)
		}
		if i == 0 {
			port = ln.Addr().(*net.TCPAddr).Port
		}
		s.listeners = append(s.listeners, &listener{ln: ln})
	}
	s.tcpPort = port

	if cfg.TLS != nil {
		port := bindPort(cfg.TLSPort)
		for i, host := range s.plan.tcp {
			ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
			if err != nil {
				return fmt.Errorf("failed to listen on tls %q: %w", host, err)
			}
			if i == 0 {
				port = ln.Addr().(*net.TCPAddr).Port
			}
			s.listeners = append(s.listeners, &listener{ln: tls.NewListener(ln, cfg.TLS), secure: true})
		}
		s.tlsPort = port
	}

	port = bindPort(cfg.UDPPort)
	for i, addr := range s.plan.udp {
		pc, err := lc.ListenPacket(ctx, udpNetwork(addr), net.JoinHostPort(addr.String(), strconv.Itoa(port)))
		if err != nil {
			return fmt.Errorf("failed to listen on udp %s: %w", addr, err)
		}
		uc := pc.(*net.UDPConn)
		if i == 0 {
			port = uc.LocalAddr().(*net.UDPAddr).Port
		}
		if addr.IsUnspecified() {
			joinGroups(uc, addr.Is4(), s.plan.groups)
		}
		s.udpConns = append(s.udpConns, uc)
	}
	s.udpPort = port

	return s.openBeaconSenders(ctx, lc)
}

// openBeaconSenders opens one unbound sender per address family in use
// by the beacon destinations.
func (s *Server) openBeaconSenders(ctx context.Context, lc net.ListenConfig) error {
	need4 := slices.ContainsFunc(s.beaconDest, func(d netip.AddrPort) bool { return d.Addr().Is4() })
	need6 := slices.ContainsFunc(s.beaconDest, func(d netip.AddrPort) bool { return d.Addr().Is6() })

	if need4 {
		pc, err := lc.ListenPacket(ctx, "udp4", "0.0.0.0:0")
		if err != nil {
			return fmt.Errorf("failed to open beacon sender: %w", err)
		}
		s.beacon4 = pc.(*net.UDPConn)
	}
	if need6 {
		pc, err := lc.ListenPacket(ctx, "udp6", "[::]:0")
		if err != nil {
			log.Warn("No IPv6 beacon sender, IPv6 destinations skipped: %v", err)
		} else {
			s.beacon6 = pc.(*net.UDPConn)
		}
	}
	return nil
}

func udpNetwork(a netip.Addr) string {
	if a.Is4() {
		return "udp4"
	}
	return "udp6"
}

func (s *Server) closeSockets() {
	for _, pc := range s.udpConns {
		_ = pc.Close()
	}
	for _, l := range s.listeners {
		_ = l.ln.Close()
	}
	for _, b := range []*net.UDPConn{s.beacon4, s.beacon6} {
		if b != nil {
			_ = b.Close()
		}
	}
	s.udpConns = nil
	s.listeners = nil
	s.beacon4, s.beacon6 = nil, nil
}

func (s *Server) acceptLoop(l *listener) {
	defer s.wg.Done()

	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn("Accept failed: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if !s.loop.Dispatch(func() { s.addConn(nc, l.secure) }) {
			_ = nc.Close()
		}
	}
}

func (s *Server) addConn(nc net.Conn, secure bool) {
	if s.State() != StateRunning {
		_ = nc.Close()
		return
	}
	s.serveConn(nc, secure)
	s.metrics.RecordConnectionAccepted(secure)
}

// serveConn starts serving an established connection. It runs on the
// loop.
func (s *Server) serveConn(nc net.Conn, secure bool) *conn {
	c := newConn(s, nc, secure)
	s.conns[c] = struct{}{}
	s.metrics.SetActiveConnections(len(s.conns))
	c.start()
	return c
}

func (s *Server) connClosed(c *conn) {
	if _, ok := s.conns[c]; !ok {
		return
	}
	delete(s.conns, c)
	s.metrics.RecordConnectionClosed()
	s.metrics.SetActiveConnections(len(s.conns))
}

func (s *Server) opsChanged(delta int) {
	s.activeOps += delta
	s.metrics.SetActiveOperations(s.activeOps)
}

// Stop closes every socket and connection. It does nothing unless the
// server is running, and returns once all socket goroutines have exited
// and pending callbacks have run.
func (s *Server) Stop() {
	stopping := false
	_ = s.loop.Call(func() { stopping = s.stop() })
	if !stopping {
		return
	}

	s.wg.Wait()
	_ = s.loop.Sync()
	_ = s.loop.Call(func() { s.setState(StateStopped) })
	log.Info("Server stopped")
}

func (s *Server) stop() bool {
	if s.State() != StateRunning {
		return false
	}
	s.setState(StateStopping)

	s.beaconTimer.Stop()
	s.beaconTimer = nil
	s.closeSockets()

	for c := range s.conns {
		c.cleanup()
	}
	return true
}

// Run starts the server and blocks until ctx is cancelled, then stops it.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Reconfigure replaces the configuration. A running server is stopped,
// rebuilt with cfg and started again; registered sources are kept.
func (s *Server) Reconfigure(cfg Config) error {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	st := s.State()
	wasRunning := st == StateRunning || st == StateStarting
	if wasRunning {
		s.Stop()
	}

	snap := s.reg.Snapshot()
	if err := s.loop.Call(func() { s.rebuild(cfg) }); err != nil {
		return err
	}
	s.reg.Restore(snap)

	if wasRunning {
		return s.Start()
	}
	return nil
}

// safeCall runs fn, converting a panic into an error.
func safeCall(what string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", what, r)
			log.Error("%v\n%s", err, debug.Stack())
		}
	}()
	fn()
	return nil
}
