package server

import (
	"errors"
	"net"
	"net/netip"
	"slices"

	"github.com/marmos91/pvaserver/internal/logger"
	"github.com/marmos91/pvaserver/internal/protocol/pva"
	"github.com/marmos91/pvaserver/internal/ratelimiter"
	"github.com/marmos91/pvaserver/pkg/registry"
	"github.com/marmos91/pvaserver/pkg/source"
)

var searchLog = logger.Named("pva.search")

// searchBatch is the source.Search handed to every Source for one
// request.
type searchBatch struct {
	names   []pva.SearchName
	claimed []bool
	src     string
}

var _ source.Search = (*searchBatch)(nil)

func newSearchBatch(names []pva.SearchName, src string) *searchBatch {
	return &searchBatch{names: names, claimed: make([]bool, len(names)), src: src}
}

func (b *searchBatch) Len() int           { return len(b.names) }
func (b *searchBatch) Name(i int) string  { return b.names[i].Name }
func (b *searchBatch) Claim(i int)        { b.claimed[i] = true }
func (b *searchBatch) Claimed(i int) bool { return b.claimed[i] }
func (b *searchBatch) Source() string     { return b.src }

func (b *searchBatch) count() (n int) {
	for _, c := range b.claimed {
		if c {
			n++
		}
	}
	return n
}

// dispatchSearch offers the batch to every Source. Claims made by a
// Source that panics are discarded.
func (s *Server) dispatchSearch(b *searchBatch) {
	s.reg.Range(func(e registry.Entry) bool {
		saved := slices.Clone(b.claimed)
		if err := safeCall("Source.OnSearch", func() { e.Source.OnSearch(b) }); err != nil {
			searchLog.Error("Source %s failed on search from %s: %v", e.Key, b.src, err)
			copy(b.claimed, saved)
		}
		return true
	})

	if !logger.Enabled(logger.LevelDebug) {
		return
	}
	for i, n := range b.names {
		verb := "disclaim"
		if b.claimed[i] {
			verb = "claim"
		}
		searchLog.Debug("%s %s %q", b.src, verb, n.Name)
	}
}

// responder holds what a search reply needs. It is built at Start and
// not modified while the server runs, so UDP goroutines read it freely.
type responder struct {
	guid    pva.GUID
	tcpPort int
	tlsPort int
	tls     bool
	ignore  []netip.AddrPort
	limiter *ratelimiter.PeerLimiter
}

// respond decides whether to answer a search and builds the reply.
//
// A reply is sent when a name was claimed, when the requester insists,
// or when the requester accepts a protocol this server serves. Only
// claimed ids are listed, in request order.
func (r *responder) respond(req *pva.SearchRequest, claimed []bool) (*pva.SearchResponse, bool) {
	var ids []uint32
	for i, n := range req.Names {
		if claimed[i] {
			ids = append(ids, n.ID)
		}
	}

	tcpOK := req.Accepts(pva.ProtoTCP)
	tlsOK := r.tls && req.Accepts(pva.ProtoTLS)
	if len(ids) == 0 && !req.MustReply() && !tcpOK && !tlsOK {
		return nil, false
	}

	resp := &pva.SearchResponse{
		GUID:     r.guid,
		SearchID: req.SearchID,
		Addr:     netip.IPv4Unspecified(),
		Port:     uint16(r.tcpPort),
		Protocol: pva.ProtoTCP,
		Found:    len(ids) > 0,
		IDs:      ids,
	}
	if tlsOK {
		resp.Port = uint16(r.tlsPort)
		resp.Protocol = pva.ProtoTLS
	}
	return resp, true
}

// ignored reports whether searches from src are dropped. An ignore
// entry with port 0 matches every port of its host.
func (r *responder) ignored(src netip.AddrPort) bool {
	for _, ig := range r.ignore {
		if ig.Addr() != src.Addr() {
			continue
		}
		if ig.Port() == 0 || ig.Port() == src.Port() {
			return true
		}
	}
	return false
}

func (s *Server) udpLoop(pc *net.UDPConn, r *responder) {
	defer s.wg.Done()

	buf := make([]byte, 0x10000)
	for {
		n, src, err := pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			searchLog.Debug("UDP receive error: %v", err)
			continue
		}
		s.handleDatagram(pc, r, buf[:n], netip.AddrPortFrom(src.Addr().Unmap(), src.Port()))
	}
}

// handleDatagram processes every message in one UDP datagram.
func (s *Server) handleDatagram(pc *net.UDPConn, r *responder, b []byte, src netip.AddrPort) {
	if r.ignored(src) {
		searchLog.Debug("Ignoring datagram from %s", src)
		return
	}

	for len(b) >= pva.HeaderSize {
		h, err := pva.DecodeHeader(b)
		if err != nil {
			searchLog.Debug("Bad datagram from %s: %v", src, err)
			return
		}
		end := pva.HeaderSize
		if !h.Control() {
			end += int(h.Size)
		}
		if end > len(b) {
			searchLog.Debug("Truncated %s from %s", h.Command, src)
			return
		}

		if !h.Control() && h.Command == pva.CmdSearch {
			body := pva.NewDecoder(b[pva.HeaderSize:end], h.ByteOrder())
			req, err := pva.DecodeSearchRequest(body)
			if err != nil {
				searchLog.Debug("Bad search from %s: %v", src, err)
				return
			}
			s.answerUDP(pc, r, req, src)
		}
		b = b[end:]
	}
}

func (s *Server) answerUDP(pc *net.UDPConn, r *responder, req *pva.SearchRequest, src netip.AddrPort) {
	if !req.MustReply() && !r.limiter.Allow(src.Addr().String()) {
		searchLog.Debug("Search from %s rate limited", src)
		return
	}

	b := newSearchBatch(req.Names, src.String())
	s.dispatchSearch(b)

	resp, ok := r.respond(req, b.claimed)
	s.metrics.RecordSearch("udp", ok)
	if !ok {
		return
	}

	msg, err := pva.Marshal(pva.CmdSearchResponse, resp)
	if err != nil {
		searchLog.Error("Failed to encode search response: %v", err)
		return
	}

	dest := req.ReplyAddr
	if !dest.IsValid() || dest.IsUnspecified() {
		dest = src.Addr()
	}
	to := netip.AddrPortFrom(dest, req.ReplyPort)
	if _, err := pc.WriteToUDPAddrPort(msg, to); err != nil {
		searchLog.Warn("Search reply to %s failed: %v", to, err)
		return
	}
	searchLog.Debug("Replied to search %d from %s with %d of %d names", req.SearchID, src, b.count(), b.Len())
}
