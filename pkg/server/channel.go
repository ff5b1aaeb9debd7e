package server

import (
	"errors"
	"math"
	"sync"

	"github.com/marmos91/pvaserver/internal/protocol/pva"
	"github.com/marmos91/pvaserver/pkg/registry"
	"github.com/marmos91/pvaserver/pkg/source"
)

// ErrTooManyChannels is returned when a connection has no free SID left.
var ErrTooManyChannels = errors.New("too many server channels")

// firstSID is where every connection's SID allocator starts.
const firstSID uint32 = 0x07050301

type chanState uint8

const (
	chanCreating chanState = iota
	chanActive
	chanDestroy
)

func (s chanState) String() string {
	switch s {
	case chanCreating:
		return "Creating"
	case chanActive:
		return "Active"
	case chanDestroy:
		return "Destroy"
	}
	return "Unknown"
}

// serverChan is both the server's record of a channel and the
// ChannelControl handed to Sources. Fields above mu belong to the event
// loop.
type serverChan struct {
	conn *conn
	sid  uint32
	cid  uint32
	name string
	cred source.Credentials

	state chanState
	ops   map[uint32]*serverOp
	tx    uint64
	rx    uint64

	mu          sync.Mutex
	creating    bool
	rejected    bool
	closed      bool
	onOp        func(source.Op)
	onRPC       func(source.Op)
	onSubscribe func(source.Op)
	onClose     func()
	onReport    func() string
}

var _ source.ChannelControl = (*serverChan)(nil)

func newServerChan(c *conn, sid, cid uint32, name string) *serverChan {
	return &serverChan{
		conn:     c,
		sid:      sid,
		cid:      cid,
		name:     name,
		cred:     c.cred,
		ops:      make(map[uint32]*serverOp),
		creating: true,
	}
}

func (ch *serverChan) Name() string                    { return ch.name }
func (ch *serverChan) Credentials() source.Credentials { return ch.cred }

func (ch *serverChan) register(set func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.closed {
		set()
	}
}

func (ch *serverChan) OnOp(fn func(source.Op))        { ch.register(func() { ch.onOp = fn }) }
func (ch *serverChan) OnRPC(fn func(source.Op))       { ch.register(func() { ch.onRPC = fn }) }
func (ch *serverChan) OnSubscribe(fn func(source.Op)) { ch.register(func() { ch.onSubscribe = fn }) }
func (ch *serverChan) OnClose(fn func())              { ch.register(func() { ch.onClose = fn }) }
func (ch *serverChan) OnReport(fn func() string)      { ch.register(func() { ch.onReport = fn }) }

// Close rejects the channel while it is being created. Afterwards the
// client is told the channel is gone.
func (ch *serverChan) Close() {
	ch.mu.Lock()
	if ch.creating {
		ch.rejected = true
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()

	ch.conn.srv.loop.Dispatch(ch.closeLocal)
}

func (ch *serverChan) closeLocal() {
	c := ch.conn
	if ch.state != chanActive || c.dead {
		return
	}
	c.sendBody(pva.CmdDestroyChannel, &pva.DestroyChannel{SID: ch.sid, CID: ch.cid})
	delete(c.chans, ch.sid)
	ch.cleanup()
}

// claimState reports whether the last OnCreate claimed or rejected the
// channel.
func (ch *serverChan) claimState() (claimed, rejected bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	claimed = ch.onOp != nil || ch.onRPC != nil || ch.onSubscribe != nil || ch.onClose != nil
	return claimed, ch.rejected
}

// resetClaim discards whatever a faulting Source registered.
func (ch *serverChan) resetClaim() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.rejected = false
	ch.onOp, ch.onRPC, ch.onSubscribe, ch.onClose, ch.onReport = nil, nil, nil, nil, nil
}

func (ch *serverChan) endCreate() {
	ch.mu.Lock()
	ch.creating = false
	ch.mu.Unlock()
}

func (ch *serverChan) handler(kind source.OpKind) func(source.Op) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	switch kind {
	case source.OpRPC:
		return ch.onRPC
	case source.OpMonitor:
		return ch.onSubscribe
	}
	return ch.onOp
}

func (ch *serverChan) report() string {
	ch.mu.Lock()
	fn := ch.onReport
	ch.mu.Unlock()

	var out string
	if fn != nil {
		_ = safeCall("ChannelControl.OnReport", func() { out = fn() })
	}
	return out
}

// cleanup destroys the channel's operations, then runs its close
// callback. Later calls do nothing.
func (ch *serverChan) cleanup() {
	if ch.state == chanDestroy {
		return
	}
	ch.state = chanDestroy

	ops := make([]*serverOp, 0, len(ch.ops))
	for _, op := range ch.ops {
		ops = append(ops, op)
	}
	for _, op := range ops {
		op.cleanup()
	}

	ch.mu.Lock()
	ch.closed = true
	ch.creating = false
	onClose := ch.onClose
	ch.onOp, ch.onRPC, ch.onSubscribe, ch.onClose, ch.onReport = nil, nil, nil, nil, nil
	ch.mu.Unlock()

	if onClose != nil {
		ch.conn.srv.loop.Dispatch(func() { _ = safeCall("ChannelControl.OnClose", onClose) })
	}
}

// allocSID returns the next SID not used by a live channel.
func (c *conn) allocSID() (uint32, error) {
	if uint64(len(c.chans)) >= math.MaxUint32 {
		return 0, ErrTooManyChannels
	}
	for {
		sid := c.nextSID
		c.nextSID++
		if sid == pva.InvalidSID {
			continue
		}
		if _, used := c.chans[sid]; !used {
			return sid, nil
		}
	}
}

// createChannel offers ch to each Source in registry order. The first
// Source that claims or rejects it ends the search.
func (s *Server) createChannel(ch *serverChan) bool {
	claimed := false
	s.reg.Range(func(e registry.Entry) bool {
		err := safeCall("Source.OnCreate", func() { e.Source.OnCreate(ch) })
		if err != nil {
			log.Error("Source %s failed creating %q: %v", e.Key, ch.name, err)
			ch.resetClaim()
			return true
		}

		ok, rejected := ch.claimState()
		switch {
		case rejected:
			log.Debug("Source %s rejected %q", e.Key, ch.name)
			return false
		case ok:
			claimed = true
			return false
		}
		return true
	})
	ch.endCreate()
	return claimed
}
