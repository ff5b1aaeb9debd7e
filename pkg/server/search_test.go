package server

import (
	"net/netip"
	"testing"

	"github.com/marmos91/pvaserver/internal/protocol/pva"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func searchReq(flags uint8, protos []string, names ...string) *pva.SearchRequest {
	req := &pva.SearchRequest{SearchID: 99, Flags: flags, Protocols: protos}
	for i, n := range names {
		req.Names = append(req.Names, pva.SearchName{ID: uint32(i + 1), Name: n})
	}
	return req
}

func TestRespond(t *testing.T) {
	plain := &responder{tcpPort: 5075}
	secure := &responder{tcpPort: 5075, tlsPort: 5076, tls: true}

	tests := []struct {
		name      string
		r         *responder
		req       *pva.SearchRequest
		claimed   []bool
		wantReply bool
		wantProto string
		wantPort  uint16
		wantIDs   []uint32
	}{
		{
			name:      "claimed name",
			r:         plain,
			req:       searchReq(0, nil, "a", "b"),
			claimed:   []bool{false, true},
			wantReply: true,
			wantProto: pva.ProtoTCP,
			wantPort:  5075,
			wantIDs:   []uint32{2},
		},
		{
			name:    "nothing claimed, no protocols",
			r:       plain,
			req:     searchReq(0, nil, "a"),
			claimed: []bool{false},
		},
		{
			name:      "must reply",
			r:         plain,
			req:       searchReq(pva.SearchMustReply, nil, "a"),
			claimed:   []bool{false},
			wantReply: true,
			wantProto: pva.ProtoTCP,
			wantPort:  5075,
		},
		{
			name:      "requester accepts tcp",
			r:         plain,
			req:       searchReq(0, []string{pva.ProtoTCP}, "a"),
			claimed:   []bool{false},
			wantReply: true,
			wantProto: pva.ProtoTCP,
			wantPort:  5075,
		},
		{
			name:    "tls requested from plain server",
			r:       plain,
			req:     searchReq(0, []string{pva.ProtoTLS}, "a"),
			claimed: []bool{false},
		},
		{
			name:      "tls preferred",
			r:         secure,
			req:       searchReq(0, []string{pva.ProtoTCP, pva.ProtoTLS}, "a"),
			claimed:   []bool{true},
			wantReply: true,
			wantProto: pva.ProtoTLS,
			wantPort:  5076,
			wantIDs:   []uint32{1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, ok := tt.r.respond(tt.req, tt.claimed)
			require.Equal(t, tt.wantReply, ok)
			if !ok {
				return
			}
			assert.Equal(t, uint32(99), resp.SearchID)
			assert.Equal(t, tt.wantProto, resp.Protocol)
			assert.Equal(t, tt.wantPort, resp.Port)
			assert.Equal(t, tt.wantIDs, resp.IDs)
			assert.Equal(t, len(tt.wantIDs) > 0, resp.Found)
			assert.True(t, resp.Addr.IsUnspecified())
		})
	}
}

func TestIgnored(t *testing.T) {
	r := &responder{ignore: []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:0"),
		netip.MustParseAddrPort("10.0.0.2:5076"),
	}}

	assert.True(t, r.ignored(netip.MustParseAddrPort("10.0.0.1:1234")))
	assert.True(t, r.ignored(netip.MustParseAddrPort("10.0.0.2:5076")))
	assert.False(t, r.ignored(netip.MustParseAddrPort("10.0.0.2:5077")))
	assert.False(t, r.ignored(netip.MustParseAddrPort("10.0.0.3:5076")))
}

func TestDispatchSearchDiscardsPanickingClaims(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.AddSource("panic", panickingSource{}, 0))
	require.NoError(t, s.AddSource("test", newTestSource("b"), 10))

	b := newSearchBatch([]pva.SearchName{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}, {ID: 3, Name: "server"}}, "test")
	s.dispatchSearch(b)

	assert.Equal(t, []bool{false, true, true}, b.claimed)
	assert.Equal(t, 2, b.count())
}
