package server

import (
	"bytes"
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/pvaserver/internal/logger"
	"github.com/marmos91/pvaserver/internal/protocol/pva"
	"github.com/marmos91/pvaserver/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// testSource claims the names it was built with and serves every
// operation kind on them.
type testSource struct {
	names map[string]bool
	// hold leaves executions pending instead of replying.
	hold bool

	executed   atomic.Int32
	cancelled  atomic.Int32
	opClosed   atomic.Int32
	chanClosed atomic.Int32

	mu  sync.Mutex
	ops []source.Op
}

func newTestSource(names ...string) *testSource {
	s := &testSource{names: map[string]bool{}}
	for _, n := range names {
		s.names[n] = true
	}
	return s
}

func (s *testSource) OnSearch(b source.Search) {
	for i := 0; i < b.Len(); i++ {
		if s.names[b.Name(i)] {
			b.Claim(i)
		}
	}
}

func (s *testSource) OnCreate(ch source.ChannelControl) {
	if !s.names[ch.Name()] {
		return
	}
	ch.OnClose(func() { s.chanClosed.Add(1) })

	handler := func(op source.Op) {
		op.OnExecute(func(_ uint8, _ []byte) {
			s.executed.Add(1)
			if op.Kind() != source.OpMonitor && !s.hold {
				op.Reply([]byte("pong"))
			}
		})
		op.OnCancel(func() { s.cancelled.Add(1) })
		op.OnClose(func(string) { s.opClosed.Add(1) })

		s.mu.Lock()
		s.ops = append(s.ops, op)
		s.mu.Unlock()

		op.Connect(nil)
	}
	ch.OnOp(handler)
	ch.OnSubscribe(handler)
}

func (s *testSource) lastOp() source.Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops[len(s.ops)-1]
}

type testClient struct {
	t  *testing.T
	nc net.Conn
	fr *pva.FrameReader
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(Config{}, nil, nil)
	require.NoError(t, err)
	return s
}

// dial connects a client over net.Pipe and completes the handshake.
func dial(t *testing.T, s *Server) (*testClient, *conn) {
	t.Helper()

	srvSide, cliSide := net.Pipe()
	t.Cleanup(func() { _ = cliSide.Close() })

	var c *conn
	require.NoError(t, s.loop.Call(func() { c = s.serveConn(srvSide, false) }))

	cl := &testClient{t: t, nc: cliSide, fr: pva.NewFrameReader(cliSide, 0)}

	f := cl.next()
	require.True(t, f.Header.Control(), "first message announces byte order")
	assert.Equal(t, pva.CtrlSetEndian, f.Header.Command)

	f = cl.expect(pva.CmdConnectionValidation)
	sv, err := pva.DecodeServerValidation(f.Decoder())
	require.NoError(t, err)
	assert.Equal(t, []string{"anonymous", "ca"}, sv.Methods)

	cl.send(pva.CmdConnectionValidation, &pva.ClientValidation{BufferSize: 0x10000, RegistrySize: 0x7fff, Method: "anonymous"})
	st := cl.status(pva.CmdConnectionValidated)
	require.True(t, st.IsOK(), st.String())
	return cl, c
}

func (cl *testClient) send(cmd pva.Command, body pva.Body) {
	cl.t.Helper()
	e := pva.NewMessageFlags(cmd, 0)
	body.EncodeTo(e)
	msg, err := e.Finish()
	require.NoError(cl.t, err)
	_ = cl.nc.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = cl.nc.Write(msg)
	require.NoError(cl.t, err)
}

func (cl *testClient) next() *pva.Frame {
	cl.t.Helper()
	_ = cl.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := cl.fr.Next()
	require.NoError(cl.t, err)
	return f
}

func (cl *testClient) expect(cmd pva.Command) *pva.Frame {
	cl.t.Helper()
	f := cl.next()
	require.False(cl.t, f.Header.Control())
	require.Equal(cl.t, cmd, f.Header.Command)
	return f
}

func (cl *testClient) status(cmd pva.Command) pva.Status {
	cl.t.Helper()
	st, err := pva.DecodeStatusBody(cl.expect(cmd).Decoder())
	require.NoError(cl.t, err)
	return st
}

// sync round-trips an echo, so everything sent before it was handled.
func (cl *testClient) sync() {
	cl.t.Helper()
	e := pva.NewMessageFlags(pva.CmdEcho, 0)
	e.PutBytes([]byte("sync"))
	msg, err := e.Finish()
	require.NoError(cl.t, err)
	_, err = cl.nc.Write(msg)
	require.NoError(cl.t, err)

	f := cl.expect(pva.CmdEcho)
	require.Equal(cl.t, "sync", string(f.Body))
}

func (cl *testClient) create(cid uint32, name string) *pva.CreateChannelReply {
	cl.t.Helper()
	cl.send(pva.CmdCreateChannel, &pva.CreateChannelRequest{Channels: []pva.ChannelRequest{{CID: cid, Name: name}}})
	r, err := pva.DecodeCreateChannelReply(cl.expect(pva.CmdCreateChannel).Decoder())
	require.NoError(cl.t, err)
	return r
}

func (cl *testClient) opReply(cmd pva.Command, withStatus bool) *pva.OpReply {
	cl.t.Helper()
	r, err := pva.DecodeOpReply(cl.expect(cmd).Decoder(), withStatus)
	require.NoError(cl.t, err)
	return r
}

// ============================================================================
// Handshake
// ============================================================================

func TestHandshakeCredentials(t *testing.T) {
	t.Run("ca user", func(t *testing.T) {
		s := newTestServer(t)
		srvSide, cliSide := net.Pipe()
		defer cliSide.Close()

		var c *conn
		require.NoError(t, s.loop.Call(func() { c = s.serveConn(srvSide, false) }))
		cl := &testClient{t: t, nc: cliSide, fr: pva.NewFrameReader(cliSide, 0)}
		cl.next()
		cl.expect(pva.CmdConnectionValidation)

		auth := pva.NewEncoder()
		auth.PutStringStruct("", []pva.StringField{{Name: "user", Value: "alice"}, {Name: "host", Value: "ws1"}})
		payload, err := auth.Bytes()
		require.NoError(t, err)

		cl.send(pva.CmdConnectionValidation, &pva.ClientValidation{Method: "ca", Payload: payload})
		st := cl.status(pva.CmdConnectionValidated)
		assert.True(t, st.IsOK())

		var cred source.Credentials
		require.NoError(t, s.loop.Call(func() { cred = c.cred }))
		assert.Equal(t, "ca", cred.Method)
		assert.Equal(t, "alice", cred.Account)
		assert.Equal(t, "ws1", cred.Host)
	})

	t.Run("unadvertised method", func(t *testing.T) {
		s := newTestServer(t)
		srvSide, cliSide := net.Pipe()
		defer cliSide.Close()

		var c *conn
		require.NoError(t, s.loop.Call(func() { c = s.serveConn(srvSide, false) }))
		cl := &testClient{t: t, nc: cliSide, fr: pva.NewFrameReader(cliSide, 0)}
		cl.next()
		cl.expect(pva.CmdConnectionValidation)

		cl.send(pva.CmdConnectionValidation, &pva.ClientValidation{Method: "x509"})
		st := cl.status(pva.CmdConnectionValidated)
		assert.Equal(t, pva.StatusError, st.Type)
		assert.Equal(t, "Client selects unadvertised auth", st.Message)

		// connection stays usable
		cl.sync()

		var cred source.Credentials
		require.NoError(t, s.loop.Call(func() { cred = c.cred }))
		assert.Equal(t, "anonymous", cred.Method)
	})
}

// ============================================================================
// Channels
// ============================================================================

func TestCreateChannelClaimedAndUnclaimed(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.AddSource("test", newTestSource("good"), 0))

	cl, c := dial(t, s)
	cl.send(pva.CmdCreateChannel, &pva.CreateChannelRequest{Channels: []pva.ChannelRequest{
		{CID: 1, Name: "good"},
		{CID: 2, Name: "nobody"},
	}})

	r1, err := pva.DecodeCreateChannelReply(cl.expect(pva.CmdCreateChannel).Decoder())
	require.NoError(t, err)
	r2, err := pva.DecodeCreateChannelReply(cl.expect(pva.CmdCreateChannel).Decoder())
	require.NoError(t, err)

	assert.Equal(t, uint32(1), r1.CID)
	assert.NotEqual(t, uint32(pva.InvalidSID), r1.SID)
	assert.True(t, r1.Status.IsOK())

	assert.Equal(t, uint32(2), r2.CID)
	assert.Equal(t, uint32(pva.InvalidSID), r2.SID)
	assert.Equal(t, pva.StatusFatal, r2.Status.Type)
	assert.Equal(t, "Refused to create Channel", r2.Status.Message)

	var n int
	require.NoError(t, s.loop.Call(func() { n = len(c.chans) }))
	assert.Equal(t, 1, n)
}

type rejectingSource struct{ created atomic.Int32 }

func (r *rejectingSource) OnSearch(source.Search) {}
func (r *rejectingSource) OnCreate(ch source.ChannelControl) {
	r.created.Add(1)
	ch.Close()
}

type panickingSource struct{}

func (panickingSource) OnSearch(b source.Search) {
	for i := 0; i < b.Len(); i++ {
		b.Claim(i)
	}
	panic("search boom")
}

func (panickingSource) OnCreate(ch source.ChannelControl) {
	ch.OnOp(func(source.Op) {})
	panic("create boom")
}

func TestCreateChannelSourceOrder(t *testing.T) {
	t.Run("rejection stops dispatch", func(t *testing.T) {
		s := newTestServer(t)
		rej := &rejectingSource{}
		require.NoError(t, s.AddSource("reject", rej, 0))
		require.NoError(t, s.AddSource("test", newTestSource("pv"), 10))

		cl, _ := dial(t, s)
		r := cl.create(7, "pv")
		assert.Equal(t, uint32(pva.InvalidSID), r.SID)
		assert.Equal(t, int32(1), rej.created.Load())
	})

	t.Run("panicking source is skipped", func(t *testing.T) {
		s := newTestServer(t)
		require.NoError(t, s.AddSource("panic", panickingSource{}, 0))
		require.NoError(t, s.AddSource("test", newTestSource("pv"), 10))

		cl, _ := dial(t, s)
		r := cl.create(7, "pv")
		assert.True(t, r.Status.IsOK())
		assert.NotEqual(t, uint32(pva.InvalidSID), r.SID)
	})
}

func TestDestroyChannel(t *testing.T) {
	s := newTestServer(t)
	src := newTestSource("pv")
	require.NoError(t, s.AddSource("test", src, 0))

	cl, c := dial(t, s)
	r := cl.create(3, "pv")

	// unknown sid: no reply
	cl.send(pva.CmdDestroyChannel, &pva.DestroyChannel{SID: r.SID + 1, CID: 3})
	cl.sync()

	cl.send(pva.CmdDestroyChannel, &pva.DestroyChannel{SID: r.SID, CID: 3})
	d, err := pva.DecodeDestroyChannel(cl.expect(pva.CmdDestroyChannel).Decoder())
	require.NoError(t, err)
	assert.Equal(t, r.SID, d.SID)
	assert.Equal(t, uint32(3), d.CID)

	require.NoError(t, s.loop.Sync())
	assert.Equal(t, int32(1), src.chanClosed.Load())

	var n int
	require.NoError(t, s.loop.Call(func() { n = len(c.chans) }))
	assert.Zero(t, n)
}

func TestDestroyChannelEchoesRequestIDs(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.AddSource("test", newTestSource("pv"), 0))

	cl, _ := dial(t, s)
	r := cl.create(3, "pv")

	cl.send(pva.CmdDestroyChannel, &pva.DestroyChannel{SID: r.SID, CID: 44})
	d, err := pva.DecodeDestroyChannel(cl.expect(pva.CmdDestroyChannel).Decoder())
	require.NoError(t, err)
	assert.Equal(t, r.SID, d.SID)
	assert.Equal(t, uint32(44), d.CID)
}

func TestCreateChannelStopsAtEmptyName(t *testing.T) {
	s := newTestServer(t)
	var offered []string
	src := &funcSource{create: func(ch source.ChannelControl) {
		offered = append(offered, ch.Name())
		ch.OnOp(func(source.Op) {})
	}}
	require.NoError(t, s.AddSource("f", src, 0))

	cl, c := dial(t, s)
	cl.send(pva.CmdCreateChannel, &pva.CreateChannelRequest{Channels: []pva.ChannelRequest{
		{CID: 1, Name: "first"},
		{CID: 2, Name: ""},
		{CID: 3, Name: "third"},
	}})

	r, err := pva.DecodeCreateChannelReply(cl.expect(pva.CmdCreateChannel).Decoder())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), r.CID)
	assert.True(t, r.Status.IsOK())

	// nothing for the empty name or what follows it
	cl.sync()

	var n int
	require.NoError(t, s.loop.Call(func() { n = len(c.chans) }))
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"first"}, offered)
}

func TestChannelCloseFromSource(t *testing.T) {
	s := newTestServer(t)
	var ctl source.ChannelControl
	src := &funcSource{create: func(ch source.ChannelControl) {
		ctl = ch
		ch.OnOp(func(source.Op) {})
	}}
	require.NoError(t, s.AddSource("f", src, 0))

	cl, _ := dial(t, s)
	r := cl.create(9, "anything")
	require.True(t, r.Status.IsOK())

	ctl.Close()
	d, err := pva.DecodeDestroyChannel(cl.expect(pva.CmdDestroyChannel).Decoder())
	require.NoError(t, err)
	assert.Equal(t, r.SID, d.SID)
	assert.Equal(t, uint32(9), d.CID)
}

type funcSource struct {
	create func(ch source.ChannelControl)
}

func (f *funcSource) OnSearch(source.Search)            {}
func (f *funcSource) OnCreate(ch source.ChannelControl) { f.create(ch) }

func TestAllocSIDSkipsLiveAndSentinel(t *testing.T) {
	c := &conn{chans: map[uint32]*serverChan{}, nextSID: pva.InvalidSID - 1}
	c.chans[pva.InvalidSID-1] = &serverChan{}

	sid, err := c.allocSID()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), sid, "skips the live sid and the sentinel, then wraps")

	c = &conn{chans: map[uint32]*serverChan{}, nextSID: firstSID}
	sid, err = c.allocSID()
	require.NoError(t, err)
	assert.Equal(t, firstSID, sid)
}

// ============================================================================
// Operations
// ============================================================================

func initOp(t *testing.T, cl *testClient, cmd pva.Command, sid, ioid uint32) {
	t.Helper()
	cl.send(cmd, &pva.OpRequest{SID: sid, IOID: ioid, Subcmd: pva.SubInit})
	r := cl.opReply(cmd, true)
	require.Equal(t, ioid, r.IOID)
	require.True(t, r.Status.IsOK(), r.Status.String())
}

func stateOf(t *testing.T, s *Server, c *conn, ioid uint32) opState {
	t.Helper()
	st := opDead
	require.NoError(t, s.loop.Call(func() {
		if op, ok := c.ops[ioid]; ok {
			st = op.state
		}
	}))
	return st
}

func TestGetRoundTrip(t *testing.T) {
	s := newTestServer(t)
	src := newTestSource("pv")
	require.NoError(t, s.AddSource("test", src, 0))

	cl, _ := dial(t, s)
	r := cl.create(1, "pv")
	initOp(t, cl, pva.CmdGet, r.SID, 42)

	cl.send(pva.CmdGet, &pva.OpRequest{SID: r.SID, IOID: 42, Subcmd: pva.SubGet})
	rep := cl.opReply(pva.CmdGet, true)
	assert.Equal(t, uint32(42), rep.IOID)
	assert.Equal(t, pva.SubGet, rep.Subcmd)
	assert.True(t, rep.Status.IsOK())
	assert.Equal(t, "pong", string(rep.Payload))
	assert.Equal(t, int32(1), src.executed.Load())
}

func TestInitErrors(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.AddSource("test", newTestSource("pv"), 0))

	cl, _ := dial(t, s)

	cl.send(pva.CmdGet, &pva.OpRequest{SID: 12345, IOID: 1, Subcmd: pva.SubInit})
	rep := cl.opReply(pva.CmdGet, true)
	assert.Equal(t, pva.StatusError, rep.Status.Type)

	r := cl.create(1, "pv")
	cl.send(pva.CmdRPC, &pva.OpRequest{SID: r.SID, IOID: 2, Subcmd: pva.SubInit})
	rep = cl.opReply(pva.CmdRPC, true)
	assert.Equal(t, pva.StatusError, rep.Status.Type)
	assert.Equal(t, "Operation not supported", rep.Status.Message)
}

func TestCancelOnIdleIsNoop(t *testing.T) {
	s := newTestServer(t)
	src := newTestSource("pv")
	require.NoError(t, s.AddSource("test", src, 0))

	cl, c := dial(t, s)
	r := cl.create(1, "pv")
	initOp(t, cl, pva.CmdGet, r.SID, 5)
	require.Equal(t, opIdle, stateOf(t, s, c, 5))

	cl.send(pva.CmdCancelRequest, &pva.RequestID{SID: r.SID, IOID: 5})
	cl.sync()

	assert.Equal(t, opIdle, stateOf(t, s, c, 5))
	assert.Zero(t, src.cancelled.Load())
}

func TestCancelWhileExecuting(t *testing.T) {
	s := newTestServer(t)
	src := newTestSource("pv")
	src.hold = true
	require.NoError(t, s.AddSource("test", src, 0))

	cl, c := dial(t, s)
	r := cl.create(1, "pv")
	initOp(t, cl, pva.CmdGet, r.SID, 5)

	cl.send(pva.CmdGet, &pva.OpRequest{SID: r.SID, IOID: 5, Subcmd: pva.SubGet})
	cl.sync()
	require.Equal(t, opExecuting, stateOf(t, s, c, 5))

	cl.send(pva.CmdCancelRequest, &pva.RequestID{SID: r.SID, IOID: 5})
	cl.sync()
	assert.Equal(t, opIdle, stateOf(t, s, c, 5))
	assert.Equal(t, int32(1), src.cancelled.Load())

	// a late reply from the source is dropped
	src.lastOp().Reply([]byte("late"))
	cl.sync()
}

func TestDestroyRequest(t *testing.T) {
	s := newTestServer(t)
	src := newTestSource("pv")
	require.NoError(t, s.AddSource("test", src, 0))

	cl, c := dial(t, s)
	r := cl.create(1, "pv")
	initOp(t, cl, pva.CmdGet, r.SID, 5)

	cl.send(pva.CmdDestroyRequest, &pva.RequestID{SID: r.SID, IOID: 5})
	cl.sync()
	require.NoError(t, s.loop.Sync())

	var nConn, nChan int
	require.NoError(t, s.loop.Call(func() {
		nConn = len(c.ops)
		nChan = len(c.chans[r.SID].ops)
	}))
	assert.Zero(t, nConn)
	assert.Zero(t, nChan)
	assert.Equal(t, int32(1), src.opClosed.Load())
}

func TestDuplicateIOIDIgnored(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.AddSource("test", newTestSource("pv"), 0))

	cl, c := dial(t, s)
	r := cl.create(1, "pv")
	initOp(t, cl, pva.CmdGet, r.SID, 5)

	cl.send(pva.CmdPut, &pva.OpRequest{SID: r.SID, IOID: 5, Subcmd: pva.SubInit})
	cl.sync()

	var cmd pva.Command
	require.NoError(t, s.loop.Call(func() { cmd = c.ops[5].cmd }))
	assert.Equal(t, pva.CmdGet, cmd)
}

func TestConnectionCleanupIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	src := newTestSource("a", "b")
	require.NoError(t, s.AddSource("test", src, 0))

	cl, c := dial(t, s)
	ra := cl.create(1, "a")
	rb := cl.create(2, "b")
	initOp(t, cl, pva.CmdGet, ra.SID, 10)
	initOp(t, cl, pva.CmdMonitor, rb.SID, 11)

	require.NoError(t, s.loop.Call(func() {
		c.cleanup()
		c.cleanup()
	}))
	require.NoError(t, s.loop.Sync())

	var nChans, nOps int
	require.NoError(t, s.loop.Call(func() { nChans, nOps = len(c.chans), len(c.ops) }))
	assert.Zero(t, nChans)
	assert.Zero(t, nOps)
	assert.Equal(t, int32(2), src.chanClosed.Load())
	assert.Equal(t, int32(2), src.opClosed.Load())

	require.NoError(t, s.loop.Call(func() { c.cleanup() }))
	require.NoError(t, s.loop.Sync())
	assert.Equal(t, int32(2), src.chanClosed.Load())
	assert.Equal(t, int32(2), src.opClosed.Load())
}

func TestMonitorBackpressure(t *testing.T) {
	s := newTestServer(t)
	src := newTestSource("pv")
	require.NoError(t, s.AddSource("test", src, 0))

	cl, c := dial(t, s)
	require.NoError(t, s.loop.Call(func() { c.flow = newFlow(64) }))

	r := cl.create(1, "pv")
	initOp(t, cl, pva.CmdMonitor, r.SID, 8)
	cl.send(pva.CmdMonitor, &pva.OpRequest{SID: r.SID, IOID: 8, Subcmd: pva.SubGet | pva.SubMonitor})
	cl.sync()
	require.Equal(t, opExecuting, stateOf(t, s, c, 8))

	op := src.lastOp()
	const updates = 20
	for i := 0; i < updates; i++ {
		payload := make([]byte, 32)
		payload[0] = byte(i)
		op.Post(payload)
	}
	require.NoError(t, s.loop.Sync())

	var paused bool
	var backlog int
	require.NoError(t, s.loop.Call(func() { paused, backlog = c.flow.paused, len(c.flow.backlog) }))
	assert.True(t, paused, "reading pauses while output is queued")
	assert.True(t, c.paused.Load())
	assert.Positive(t, backlog)

	for i := 0; i < updates; i++ {
		rep := cl.opReply(pva.CmdMonitor, false)
		require.Equal(t, uint32(8), rep.IOID)
		require.Len(t, rep.Payload, 32)
		assert.Equal(t, byte(i), rep.Payload[0], "updates arrive in order")
	}

	assert.Eventually(t, func() bool { return !c.paused.Load() }, 2*time.Second, 5*time.Millisecond)
}

func TestMonitorCloseDeliversQueuedUpdates(t *testing.T) {
	s := newTestServer(t)
	src := newTestSource("pv")
	require.NoError(t, s.AddSource("test", src, 0))

	cl, c := dial(t, s)
	require.NoError(t, s.loop.Call(func() { c.flow = newFlow(64) }))

	r := cl.create(1, "pv")
	initOp(t, cl, pva.CmdMonitor, r.SID, 8)
	cl.send(pva.CmdMonitor, &pva.OpRequest{SID: r.SID, IOID: 8, Subcmd: pva.SubGet | pva.SubMonitor})
	cl.sync()

	op := src.lastOp()
	const updates = 20
	for i := 0; i < updates; i++ {
		payload := make([]byte, 32)
		payload[0] = byte(i)
		op.Post(payload)
	}
	op.Close()
	op.Post([]byte("after close"))
	require.NoError(t, s.loop.Sync())

	for i := 0; i < updates; i++ {
		rep := cl.opReply(pva.CmdMonitor, false)
		require.Equal(t, uint32(8), rep.IOID)
		require.Equal(t, uint8(0), rep.Subcmd, "update %d arrives before the destroy", i)
		assert.Equal(t, byte(i), rep.Payload[0])
	}
	rep := cl.opReply(pva.CmdMonitor, true)
	assert.Equal(t, pva.SubDestroy, rep.Subcmd)
	cl.sync()

	assert.Equal(t, opDead, stateOf(t, s, c, 8))
	assert.Eventually(t, func() bool { return src.opClosed.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestMonitorStopDropsPosts(t *testing.T) {
	s := newTestServer(t)
	src := newTestSource("pv")
	require.NoError(t, s.AddSource("test", src, 0))

	cl, c := dial(t, s)
	r := cl.create(1, "pv")
	initOp(t, cl, pva.CmdMonitor, r.SID, 8)

	// not started yet
	src.lastOp().Post([]byte("early"))
	cl.sync()

	cl.send(pva.CmdMonitor, &pva.OpRequest{SID: r.SID, IOID: 8, Subcmd: pva.SubGet | pva.SubMonitor})
	cl.sync()
	src.lastOp().Post([]byte("one"))
	rep := cl.opReply(pva.CmdMonitor, false)
	assert.Equal(t, "one", string(rep.Payload))

	cl.send(pva.CmdMonitor, &pva.OpRequest{SID: r.SID, IOID: 8, Subcmd: pva.SubMonitor})
	cl.sync()
	assert.Equal(t, opIdle, stateOf(t, s, c, 8))

	src.lastOp().Post([]byte("dropped"))
	cl.sync()

	src.lastOp().Close()
	rep = cl.opReply(pva.CmdMonitor, true)
	assert.Equal(t, pva.SubDestroy, rep.Subcmd)
}

// ============================================================================
// Builtin
// ============================================================================

func TestServerChannelRPC(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Builtin().Add(context.Background(), "pv:a", nil, nil))
	require.NoError(t, s.AddSource("test", newTestSource("pv:b"), 0))

	cl, _ := dial(t, s)
	r := cl.create(1, "server")
	require.True(t, r.Status.IsOK())
	initOp(t, cl, pva.CmdRPC, r.SID, 3)

	cl.send(pva.CmdRPC, &pva.OpRequest{SID: r.SID, IOID: 3, Subcmd: pva.SubExec})
	rep := cl.opReply(pva.CmdRPC, true)
	require.True(t, rep.Status.IsOK(), rep.Status.String())

	val, err := pva.DecodeFlat(pva.NewDecoder(rep.Payload, nil), nil)
	require.NoError(t, err)
	// testSource is not a Lister
	assert.Equal(t, "pv:a,server", val["value"])

	args := pva.NewEncoder()
	args.PutStringStruct("", []pva.StringField{{Name: "op", Value: "info"}})
	payload, err := args.Bytes()
	require.NoError(t, err)

	cl.send(pva.CmdRPC, &pva.OpRequest{SID: r.SID, IOID: 3, Subcmd: pva.SubExec, Payload: payload})
	rep = cl.opReply(pva.CmdRPC, true)
	require.True(t, rep.Status.IsOK(), rep.Status.String())
	val, err = pva.DecodeFlat(pva.NewDecoder(rep.Payload, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, "pvaserver", val["implementation"])
	assert.Equal(t, s.GUID().String(), val["guid"])
}

func TestEchoAndGetField(t *testing.T) {
	s := newTestServer(t)
	cl, _ := dial(t, s)
	cl.sync()

	cl.send(pva.CmdGetField, &pva.RequestID{SID: 1, IOID: 77})
	d := cl.expect(pva.CmdGetField).Decoder()
	assert.Equal(t, uint32(77), d.U32())
	st := d.Status()
	require.NoError(t, d.Err())
	assert.Equal(t, pva.StatusError, st.Type)
}

func TestDecodeErrorClosesConnection(t *testing.T) {
	s := newTestServer(t)
	cl, _ := dial(t, s)

	// create-channel claiming one entry but carrying no bytes for it
	e := pva.NewMessageFlags(pva.CmdCreateChannel, 0)
	e.PutU16(1)
	msg, err := e.Finish()
	require.NoError(t, err)
	_, err = cl.nc.Write(msg)
	require.NoError(t, err)

	_ = cl.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = cl.fr.Next()
	assert.Error(t, err)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRemoteMessageLogged(t *testing.T) {
	var out lockedBuffer
	logger.SetOutput(&out)
	t.Cleanup(func() { logger.SetOutput(os.Stdout) })

	s := newTestServer(t)
	require.NoError(t, s.AddSource("test", newTestSource("pv"), 0))

	cl, _ := dial(t, s)
	r := cl.create(1, "pv")
	initOp(t, cl, pva.CmdGet, r.SID, 9)

	cl.send(pva.CmdMessage, &pva.Message{IOID: 9, Type: pva.MessageWarning, Text: "disk almost full"})
	cl.send(pva.CmdMessage, &pva.Message{IOID: 1234, Type: pva.MessageError, Text: "orphan"})
	cl.sync()

	logged := out.String()
	assert.Contains(t, logged, "pv : disk almost full")
	assert.Contains(t, logged, "component=pva.remote")
	assert.NotContains(t, logged, "pv : orphan")
}

func TestDeeplyNestedCAPayloadClosesOnlyThatConnection(t *testing.T) {
	s := newTestServer(t)
	other, _ := dial(t, s)

	srvSide, cliSide := net.Pipe()
	defer cliSide.Close()
	require.NoError(t, s.loop.Call(func() { s.serveConn(srvSide, false) }))
	cl := &testClient{t: t, nc: cliSide, fr: pva.NewFrameReader(cliSide, 0)}
	cl.next()
	cl.expect(pva.CmdConnectionValidation)

	payload := make([]byte, 0, 4<<20)
	for len(payload) < 4<<20 {
		payload = append(payload, pva.TypeStruct, 0, 1, 0)
	}
	cl.send(pva.CmdConnectionValidation, &pva.ClientValidation{Method: "ca", Payload: payload})

	_ = cl.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := cl.fr.Next()
	assert.Error(t, err, "connection closed on the nested payload")

	other.sync()
}
