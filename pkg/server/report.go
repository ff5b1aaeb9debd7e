package server

import (
	"slices"
	"strings"
)

// Report is a snapshot of a server's connections.
type Report struct {
	GUID        string       `yaml:"guid"`
	State       string       `yaml:"state"`
	TCPPort     int          `yaml:"tcp_port"`
	UDPPort     int          `yaml:"udp_port"`
	TLSPort     int          `yaml:"tls_port,omitempty"`
	Sources     []string     `yaml:"sources"`
	Connections []ConnReport `yaml:"connections"`
}

type ConnReport struct {
	Peer        string       `yaml:"peer"`
	TraceID     string       `yaml:"trace_id"`
	Credentials string       `yaml:"credentials"`
	TX          uint64       `yaml:"tx"`
	RX          uint64       `yaml:"rx"`
	Channels    []ChanReport `yaml:"channels"`
}

type ChanReport struct {
	Name       string `yaml:"name"`
	SID        uint32 `yaml:"sid"`
	CID        uint32 `yaml:"cid"`
	TX         uint64 `yaml:"tx"`
	RX         uint64 `yaml:"rx"`
	Operations int    `yaml:"operations"`
	Info       string `yaml:"info,omitempty"`
}

// Report describes every live connection. With zero set, the byte
// counters are reset after they are read.
func (s *Server) Report(zero bool) Report {
	r := Report{
		GUID:  s.GUID().String(),
		State: s.State().String(),
	}
	for _, k := range s.ListSources() {
		r.Sources = append(r.Sources, k.String())
	}

	_ = s.loop.Call(func() {
		r.TCPPort, r.UDPPort, r.TLSPort = s.tcpPort, s.udpPort, s.tlsPort

		for c := range s.conns {
			cr := ConnReport{
				Peer:        c.peer,
				TraceID:     c.id,
				Credentials: c.cred.String(),
				TX:          c.tx,
				RX:          c.rx,
			}
			for _, ch := range c.chans {
				cr.Channels = append(cr.Channels, ChanReport{
					Name:       ch.name,
					SID:        ch.sid,
					CID:        ch.cid,
					TX:         ch.tx,
					RX:         ch.rx,
					Operations: len(ch.ops),
					Info:       ch.report(),
				})
				if zero {
					ch.tx, ch.rx = 0, 0
				}
			}
			slices.SortFunc(cr.Channels, func(a, b ChanReport) int { return strings.Compare(a.Name, b.Name) })
			r.Connections = append(r.Connections, cr)

			if zero {
				c.tx, c.rx = 0, 0
			}
		}
	})

	slices.SortFunc(r.Connections, func(a, b ConnReport) int { return strings.Compare(a.Peer, b.Peer) })
	return r
}
