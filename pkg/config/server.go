package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/marmos91/pvaserver/pkg/server"
)

// ServerConfig converts the loaded settings to a server.Config without
// touching the filesystem. TLS material is loaded by TLSConfig.
func (c *Config) ServerConfig() (server.Config, error) {
	s := c.Server
	cfg := server.Config{
		Interfaces:          s.Interfaces,
		TCPPort:             s.TCPPort,
		UDPPort:             s.UDPPort,
		TLSPort:             s.TLS.Port,
		IgnoreAddrs:         s.IgnoreAddrs,
		BeaconDestinations:  s.BeaconAddrs,
		AutoBeacon:          s.AutoBeacon,
		IdleTimeout:         s.IdleTimeout,
		MaxMessageSize:      s.MaxMessageSize,
		ClusterLabel:        s.ClusterLabel,
		SearchRate:          s.SearchRate,
		SearchBurst:         s.SearchBurst,
		BeaconShortInterval: s.BeaconShortInterval,
		BeaconLongInterval:  s.BeaconLongInterval,
		BeaconBurst:         s.BeaconBurst,
	}
	if err := server.ValidateConfig(cfg); err != nil {
		return server.Config{}, err
	}
	return cfg, nil
}

// TLSConfig loads the certificate and, when configured, the client CA
// pool. It returns nil when TLS is disabled.
func (c *Config) TLSConfig() (*tls.Config, error) {
	t := c.Server.TLS
	if !t.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load tls certificate: %w", err)
	}
	out := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if t.ClientCAFile != "" {
		pem, err := os.ReadFile(t.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", t.ClientCAFile)
		}
		out.ClientCAs = pool
		out.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return out, nil
}
