package server

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/pvaserver/internal/logger"
	"github.com/marmos91/pvaserver/internal/protocol/pva"
	"github.com/marmos91/pvaserver/pkg/source"
)

var (
	ioLog     = logger.Named("pva.tcp")
	remoteLog = logger.Named("pva.remote")
)

// conn is one client connection. Everything except the writer queue and
// the pause flag is owned by the event loop.
//
// Two goroutines serve the socket. The reader decodes frames and hands
// each one to the loop. The writer flushes whatever the loop queued and
// reports back how much was written, which drives flow control.
type conn struct {
	srv    *Server
	nc     net.Conn
	id     string
	peer   string
	iface  string
	secure bool
	cred   source.Credentials

	chans     map[uint32]*serverChan
	ops       map[uint32]*serverOp
	nextSID   uint32
	typeCache pva.TypeCache
	flow      *flow
	validated bool
	dead      bool
	tx        uint64
	rx        uint64

	idleTimeout time.Duration
	maxMessage  int

	wmu   sync.Mutex
	wq    [][]byte
	wwake chan struct{}

	paused atomic.Bool
	resume chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(s *Server, nc net.Conn, secure bool) *conn {
	peer := nc.RemoteAddr().String()
	iface := nc.LocalAddr().String()

	limit := 0
	if n := sendBufferSize(nc); n > 0 {
		limit = 2 * n
	}

	return &conn{
		srv:       s,
		nc:        nc,
		id:        uuid.NewString()[:8],
		peer:      peer,
		iface:     iface,
		secure:    secure,
		cred:      source.Anonymous(peer, iface, secure),
		chans:     make(map[uint32]*serverChan),
		ops:       make(map[uint32]*serverOp),
		nextSID:   firstSID,
		typeCache: make(pva.TypeCache),
		flow:      newFlow(limit),
		wwake:     make(chan struct{}, 1),
		resume:    make(chan struct{}, 1),
		closed:    make(chan struct{}),

		idleTimeout: s.cfg.IdleTimeout,
		maxMessage:  s.cfg.MaxMessageSize,
	}
}

func (c *conn) String() string { return c.peer + "/" + c.id }

// start queues the handshake and launches the socket goroutines. It runs
// on the loop.
func (c *conn) start() {
	c.send(pva.SetEndianMessage())
	c.sendBody(pva.CmdConnectionValidation, &pva.ServerValidation{
		BufferSize:   pva.ServerBufferSize,
		RegistrySize: pva.ServerRegistrySize,
		Methods:      c.authMethods(),
	})

	c.srv.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	ioLog.Debug("[%s] Connection accepted (secure=%t)", c, c.secure)
}

// authMethods lists the offered methods; the last one is preferred.
func (c *conn) authMethods() []string {
	methods := []string{pva.AuthAnonymous, pva.AuthCA}
	if c.secure {
		methods = append(methods, pva.AuthX509)
	}
	return methods
}

// ============================================================================
// Socket I/O
// ============================================================================

// deadlineReader pushes the read deadline forward before every read, so
// a connection that receives nothing for timeout is dropped.
type deadlineReader struct {
	nc      net.Conn
	timeout time.Duration
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	if err := r.nc.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	return r.nc.Read(p)
}

func (c *conn) readLoop() {
	defer c.srv.wg.Done()

	fr := pva.NewFrameReader(&deadlineReader{nc: c.nc, timeout: c.idleTimeout}, c.maxMessage)
	for {
		if c.paused.Load() {
			select {
			case <-c.resume:
			case <-c.closed:
				return
			}
			continue
		}

		before := fr.BytesRead
		f, err := fr.Next()
		if err != nil {
			c.srv.loop.Dispatch(func() { c.fail(err) })
			return
		}
		n := fr.BytesRead - before
		c.srv.metrics.RecordBytes("rx", int(n))

		if !c.srv.loop.Dispatch(func() {
			defer f.Release()
			c.rx += n
			c.handle(f, n)
		}) {
			f.Release()
			return
		}
	}
}

func (c *conn) writeLoop() {
	defer c.srv.wg.Done()

	for {
		select {
		case <-c.wwake:
		case <-c.closed:
			return
		}

		c.wmu.Lock()
		bufs := c.wq
		c.wq = nil
		c.wmu.Unlock()
		if len(bufs) == 0 {
			continue
		}

		n := 0
		for _, b := range bufs {
			n += len(b)
		}

		if err := c.nc.SetWriteDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			c.srv.loop.Dispatch(func() { c.fail(err) })
			return
		}
		nb := net.Buffers(bufs)
		if _, err := nb.WriteTo(c.nc); err != nil {
			c.srv.loop.Dispatch(func() { c.fail(err) })
			return
		}
		c.srv.loop.Dispatch(func() { c.written(n) })
	}
}

// send queues a complete message for the writer. It runs on the loop.
func (c *conn) send(msg []byte) {
	if c.dead {
		return
	}
	c.tx += uint64(len(msg))
	c.srv.metrics.RecordBytes("tx", len(msg))

	c.wmu.Lock()
	c.wq = append(c.wq, msg)
	c.wmu.Unlock()

	select {
	case c.wwake <- struct{}{}:
	default:
	}

	if c.flow.queued(len(msg)) {
		c.paused.Store(true)
		c.srv.metrics.RecordBackpressure()
		ioLog.Debug("[%s] TX backlog %d bytes, pausing RX", c, c.flow.tx)
	}
}

func (c *conn) sendBody(cmd pva.Command, body pva.Body) {
	msg, err := pva.Marshal(cmd, body)
	if err != nil {
		c.fail(fmt.Errorf("failed to encode %s: %w", cmd, err))
		return
	}
	c.srv.metrics.RecordMessage(cmd.String(), "tx")
	c.send(msg)
}

func (c *conn) written(n int) {
	if c.dead {
		return
	}
	if c.flow.written(n) {
		c.paused.Store(false)
		select {
		case c.resume <- struct{}{}:
		default:
		}
		ioLog.Debug("[%s] TX drained, resuming RX", c)
	}
}

// fail logs why the connection ended and tears it down.
func (c *conn) fail(err error) {
	if c.dead {
		return
	}

	var nerr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		ioLog.Debug("[%s] Connection closed by peer", c)
	case errors.As(err, &nerr) && nerr.Timeout(), errors.Is(err, os.ErrDeadlineExceeded):
		ioLog.Info("[%s] Connection idle timeout", c)
	case pva.IsDecodeError(err):
		ioLog.Error("[%s] Protocol decode error: %v", c, err)
	default:
		ioLog.Warn("[%s] Connection error: %v", c, err)
	}
	c.cleanup()
}

// cleanup closes the socket and destroys every channel. Later calls do
// nothing.
func (c *conn) cleanup() {
	if c.dead {
		return
	}
	c.dead = true

	c.closeOnce.Do(func() { close(c.closed) })
	_ = c.nc.Close()
	c.flow.reset()

	chans := make([]*serverChan, 0, len(c.chans))
	for _, ch := range c.chans {
		chans = append(chans, ch)
	}
	for _, ch := range chans {
		ch.cleanup()
	}
	clear(c.chans)
	clear(c.ops)

	c.srv.connClosed(c)
}

// ============================================================================
// Message Dispatch
// ============================================================================

func (c *conn) handle(f *pva.Frame, size uint64) {
	if c.dead {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.fail(fmt.Errorf("panic handling %s: %v", f.Header.Command, r))
		}
	}()

	h := f.Header
	if h.Control() {
		// SetMarker/AckMarker/SetEndian from clients carry nothing we use
		return
	}
	c.srv.metrics.RecordMessage(h.Command.String(), "rx")

	if !c.validated && h.Command != pva.CmdConnectionValidation && h.Command != pva.CmdEcho {
		ioLog.Warn("[%s] %s before connection validation", c, h.Command)
	}

	d := f.Decoder()
	var err error
	switch h.Command {
	case pva.CmdConnectionValidation:
		err = c.handleValidation(d, h.ByteOrder())
	case pva.CmdEcho:
		c.handleEcho(f.Body)
	case pva.CmdSearch:
		err = c.handleSearch(d)
	case pva.CmdCreateChannel:
		err = c.handleCreateChannel(d)
	case pva.CmdDestroyChannel:
		err = c.handleDestroyChannel(d)
	case pva.CmdGet, pva.CmdPut, pva.CmdPutGet, pva.CmdProcess, pva.CmdRPC, pva.CmdMonitor:
		err = c.handleOp(h.Command, d, h.ByteOrder(), size)
	case pva.CmdCancelRequest:
		err = c.handleCancel(d)
	case pva.CmdDestroyRequest:
		err = c.handleDestroyRequest(d)
	case pva.CmdGetField:
		err = c.handleGetField(d)
	case pva.CmdMessage:
		err = c.handleMessage(d)
	default:
		ioLog.Debug("[%s] Ignoring %s", c, h)
	}
	if err != nil {
		c.fail(err)
	}
}

func (c *conn) handleValidation(d *pva.Decoder, order binary.ByteOrder) error {
	m, err := pva.DecodeClientValidation(d)
	if err != nil {
		return err
	}

	if !slices.Contains(c.authMethods(), m.Method) {
		ioLog.Warn("[%s] Client selects unadvertised auth %q", c, m.Method)
		c.sendBody(pva.CmdConnectionValidated, pva.ErrorStatus("Client selects unadvertised auth"))
		return nil
	}

	cred := source.Anonymous(c.peer, c.iface, c.secure)
	var status pva.Status

	switch m.Method {
	case pva.AuthCA:
		if len(m.Payload) == 0 {
			break
		}
		fields, err := pva.DecodeFlat(pva.NewDecoder(m.Payload, order), c.typeCache)
		switch {
		case err != nil && pva.IsDecodeError(err):
			return err
		case err != nil:
			status = pva.ErrorStatus("Unsupported ca credentials: %v", err)
		default:
			if user := fields["user"]; user != "" {
				cred.Method = pva.AuthCA
				cred.Account = user
			}
			cred.Host = fields["host"]
		}
	case pva.AuthX509:
		if !c.x509Credentials(&cred) {
			status = pva.ErrorStatus("No verified client certificate")
		}
	}

	c.cred = cred
	c.validated = true
	ioLog.Debug("[%s] Validated as %s", c, cred)
	c.sendBody(pva.CmdConnectionValidated, status)
	return nil
}

// x509Credentials fills cred from the verified peer certificate chain.
func (c *conn) x509Credentials(cred *source.Credentials) bool {
	tc, ok := c.nc.(*tls.Conn)
	if !ok {
		return false
	}
	state := tc.ConnectionState()
	if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
		return false
	}
	chain := state.VerifiedChains[0]
	leaf := chain[0]

	var authority []string
	for i := len(chain) - 1; i > 0; i-- {
		authority = append(authority, chain[i].Subject.CommonName)
	}

	cred.Method = pva.AuthX509
	cred.Account = leaf.Subject.CommonName
	cred.Issuer = leaf.Issuer.CommonName
	cred.Serial = leaf.SerialNumber.Text(16)
	cred.Authority = strings.Join(authority, "\n")
	return true
}

// handleEcho sends the payload straight back, ahead of any backlog.
func (c *conn) handleEcho(body []byte) {
	e := pva.NewMessage(pva.CmdEcho)
	e.PutBytes(body)
	msg, err := e.Finish()
	if err != nil {
		c.fail(err)
		return
	}
	c.send(msg)
}

func (c *conn) handleSearch(d *pva.Decoder) error {
	req, err := pva.DecodeSearchRequest(d)
	if err != nil {
		return err
	}

	b := newSearchBatch(req.Names, c.peer)
	c.srv.dispatchSearch(b)

	resp, ok := c.srv.responder().respond(req, b.claimed)
	c.srv.metrics.RecordSearch("tcp", ok)
	if ok {
		c.sendBody(pva.CmdSearchResponse, resp)
	}
	return nil
}

func (c *conn) handleCreateChannel(d *pva.Decoder) error {
	req, err := pva.DecodeCreateChannelRequest(d)
	if err != nil {
		return err
	}

	for i, ent := range req.Channels {
		if ent.Name == "" {
			ioLog.Debug("[%s] Empty channel name, dropping %d remaining create requests", c, len(req.Channels)-i)
			break
		}

		sid, err := c.allocSID()
		if err != nil {
			return err
		}

		ch := newServerChan(c, sid, ent.CID, ent.Name)
		if c.srv.createChannel(ch) {
			ch.state = chanActive
			c.chans[sid] = ch
			c.srv.metrics.RecordChannelCreate("claimed")
			ioLog.Debug("[%s] Created channel %q sid=%d cid=%d", c, ch.name, sid, ch.cid)
			c.sendBody(pva.CmdCreateChannel, &pva.CreateChannelReply{CID: ent.CID, SID: sid})
			continue
		}

		ch.cleanup()
		c.srv.metrics.RecordChannelCreate("refused")
		ioLog.Debug("[%s] Refused channel %q", c, ent.Name)
		c.sendBody(pva.CmdCreateChannel, &pva.CreateChannelReply{
			CID:    ent.CID,
			SID:    pva.InvalidSID,
			Status: pva.FatalStatus("Refused to create Channel"),
		})
	}
	return nil
}

func (c *conn) handleDestroyChannel(d *pva.Decoder) error {
	req, err := pva.DecodeDestroyChannel(d)
	if err != nil {
		return err
	}

	ch, ok := c.chans[req.SID]
	if !ok {
		ioLog.Debug("[%s] Destroy of unknown channel sid=%d", c, req.SID)
		return nil
	}
	if ch.cid != req.CID {
		ioLog.Debug("[%s] Destroy channel %q with cid=%d, expected %d", c, ch.name, req.CID, ch.cid)
	}

	delete(c.chans, req.SID)
	ch.cleanup()
	c.sendBody(pva.CmdDestroyChannel, &pva.DestroyChannel{SID: req.SID, CID: req.CID})
	return nil
}

func (c *conn) handleOp(cmd pva.Command, d *pva.Decoder, order binary.ByteOrder, size uint64) error {
	req, err := pva.DecodeOpRequest(d)
	if err != nil {
		return err
	}

	if req.Subcmd&pva.SubInit != 0 {
		c.initOp(cmd, req, order)
		return nil
	}

	op, ok := c.ops[req.IOID]
	if !ok {
		ioLog.Debug("[%s] %s on unknown ioid=%d", c, cmd, req.IOID)
		return nil
	}
	if op.ch.sid != req.SID || op.cmd != cmd {
		ioLog.Error("[%s] %s ioid=%d does not match its channel or command", c, cmd, req.IOID)
		return nil
	}
	op.ch.rx += size

	if op.kind == source.OpMonitor {
		c.execMonitor(op, req)
		return nil
	}

	if op.state != opIdle {
		ioLog.Debug("[%s] %s ioid=%d in state %s, ignoring", c, cmd, req.IOID, op.state)
		return nil
	}
	op.state = opExecuting
	op.lastSubcmd = req.Subcmd
	op.destroyAfter = req.Subcmd&pva.SubDestroy != 0

	fn := op.executeFn()
	if fn == nil {
		op.reply(req.Subcmd, pva.ErrorStatus("Operation not implemented"), nil)
		op.state = opIdle
		return nil
	}
	payload := slices.Clone(req.Payload)
	if err := safeCall("Op.OnExecute", func() { fn(req.Subcmd, payload) }); err != nil {
		op.reply(req.Subcmd, pva.ErrorStatus("%v", err), nil)
		op.state = opIdle
	}
	return nil
}

func (c *conn) initOp(cmd pva.Command, req *pva.OpRequest, order binary.ByteOrder) {
	reject := func(msg string) {
		c.sendBody(cmd, &pva.OpReply{IOID: req.IOID, Subcmd: req.Subcmd, Status: pva.ErrorStatus("%s", msg)})
	}

	ch, ok := c.chans[req.SID]
	if !ok || ch.state != chanActive {
		reject("No such channel")
		return
	}
	if _, dup := c.ops[req.IOID]; dup {
		ioLog.Error("[%s] %s reuses live ioid=%d", c, cmd, req.IOID)
		return
	}

	kind, _ := opKind(cmd)
	fn := ch.handler(kind)
	if fn == nil {
		reject("Operation not supported")
		return
	}

	op := newServerOp(ch, cmd, kind, req.IOID, order, req.Payload)
	c.ops[op.ioid] = op
	ch.ops[op.ioid] = op
	c.srv.opsChanged(1)

	if err := safeCall("ChannelControl handler", func() { fn(op) }); err != nil && op.state == opCreating {
		op.reply(pva.SubInit, pva.ErrorStatus("%v", err), nil)
		op.cleanup()
	}
}

// execMonitor toggles a subscription between streaming (Executing) and
// paused (Idle), or ends it.
func (c *conn) execMonitor(op *serverOp, req *pva.OpRequest) {
	if op.state == opCreating || op.state == opDead {
		return
	}
	if req.Subcmd&pva.SubDestroy != 0 {
		op.cleanup()
		return
	}

	switch {
	case req.Subcmd&(pva.SubGet|pva.SubMonitor) == pva.SubGet|pva.SubMonitor:
		op.state = opExecuting
	case req.Subcmd&pva.SubMonitor != 0:
		op.state = opIdle
	}
	op.lastSubcmd = req.Subcmd

	if fn := op.executeFn(); fn != nil {
		payload := slices.Clone(req.Payload)
		_ = safeCall("Op.OnExecute", func() { fn(req.Subcmd, payload) })
	}
}

func (c *conn) handleCancel(d *pva.Decoder) error {
	req, err := pva.DecodeRequestID(d)
	if err != nil {
		return err
	}

	op, ok := c.ops[req.IOID]
	if !ok {
		ioLog.Warn("[%s] Cancel of unknown ioid=%d", c, req.IOID)
		return nil
	}
	if op.ch.sid != req.SID {
		ioLog.Error("[%s] Cancel ioid=%d with sid=%d, expected %d", c, req.IOID, req.SID, op.ch.sid)
		return nil
	}
	op.cancel()
	return nil
}

func (c *conn) handleDestroyRequest(d *pva.Decoder) error {
	req, err := pva.DecodeRequestID(d)
	if err != nil {
		return err
	}

	op, ok := c.ops[req.IOID]
	if !ok {
		ioLog.Debug("[%s] Destroy of unknown ioid=%d", c, req.IOID)
		return nil
	}
	if op.ch.sid != req.SID {
		ioLog.Error("[%s] Destroy ioid=%d with sid=%d, expected %d", c, req.IOID, req.SID, op.ch.sid)
	}
	op.cleanup()
	return nil
}

// handleGetField answers introspection requests, which no Source
// supports.
func (c *conn) handleGetField(d *pva.Decoder) error {
	req, err := pva.DecodeRequestID(d)
	if err != nil {
		return err
	}

	e := pva.NewMessage(pva.CmdGetField)
	e.PutU32(req.IOID)
	e.PutStatus(pva.ErrorStatus("GET_FIELD not supported"))
	msg, err := e.Finish()
	if err != nil {
		return err
	}
	c.send(msg)
	return nil
}

func (c *conn) handleMessage(d *pva.Decoder) error {
	m, err := pva.DecodeMessage(d)
	if err != nil {
		return err
	}

	op, ok := c.ops[m.IOID]
	if !ok {
		ioLog.Debug("[%s] Message for unknown ioid=%d: %s", c, m.IOID, m.Text)
		return nil
	}

	name := "<dead>"
	if op.ch.state != chanDestroy {
		name = op.ch.name
	}

	level := logger.LevelCrit
	switch m.Type {
	case pva.MessageInfo:
		level = logger.LevelInfo
	case pva.MessageWarning:
		level = logger.LevelWarn
	case pva.MessageError:
		level = logger.LevelError
	}
	remoteLog.Log(level, "%s : %s", name, m.Text)
	return nil
}
