package server

import (
	"encoding/binary"
	"slices"
	"sync"

	"github.com/marmos91/pvaserver/internal/protocol/pva"
	"github.com/marmos91/pvaserver/pkg/source"
)

type opState uint8

const (
	opCreating opState = iota
	opIdle
	opExecuting
	opDead
)

func (s opState) String() string {
	switch s {
	case opCreating:
		return "Creating"
	case opIdle:
		return "Idle"
	case opExecuting:
		return "Executing"
	case opDead:
		return "Dead"
	}
	return "Unknown"
}

func opKind(cmd pva.Command) (source.OpKind, bool) {
	switch cmd {
	case pva.CmdGet:
		return source.OpGet, true
	case pva.CmdPut:
		return source.OpPut, true
	case pva.CmdPutGet:
		return source.OpPutGet, true
	case pva.CmdProcess:
		return source.OpProcess, true
	case pva.CmdRPC:
		return source.OpRPC, true
	case pva.CmdMonitor:
		return source.OpMonitor, true
	}
	return 0, false
}

// serverOp is one operation on a channel. The fields above mu belong to
// the event loop; the callbacks below it may be registered from any
// goroutine.
type serverOp struct {
	ch      *serverChan
	cmd     pva.Command
	kind    source.OpKind
	ioid    uint32
	order   binary.ByteOrder
	request []byte

	state        opState
	lastSubcmd   uint8
	destroyAfter bool
	// finishing marks a subscription closed by its Source whose queued
	// updates are still being delivered ahead of the final destroy.
	finishing bool

	mu        sync.Mutex
	closed    bool
	onExecute func(subcmd uint8, payload []byte)
	onCancel  func()
	onClose   func(msg string)
}

var _ source.Op = (*serverOp)(nil)

func newServerOp(ch *serverChan, cmd pva.Command, kind source.OpKind, ioid uint32, order binary.ByteOrder, request []byte) *serverOp {
	return &serverOp{
		ch:      ch,
		cmd:     cmd,
		kind:    kind,
		ioid:    ioid,
		order:   order,
		request: slices.Clone(request),
	}
}

func (op *serverOp) Kind() source.OpKind             { return op.kind }
func (op *serverOp) IOID() uint32                    { return op.ioid }
func (op *serverOp) Name() string                    { return op.ch.name }
func (op *serverOp) Credentials() source.Credentials { return op.ch.cred }
func (op *serverOp) Request() []byte                 { return op.request }

func (op *serverOp) OnExecute(fn func(subcmd uint8, payload []byte)) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if !op.closed {
		op.onExecute = fn
	}
}

func (op *serverOp) OnCancel(fn func()) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if !op.closed {
		op.onCancel = fn
	}
}

func (op *serverOp) OnClose(fn func(msg string)) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if !op.closed {
		op.onClose = fn
	}
}

func (op *serverOp) executeFn() func(uint8, []byte) {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.onExecute
}

func (op *serverOp) cancelFn() func() {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.onCancel
}

func (op *serverOp) conn() *conn { return op.ch.conn }

func (op *serverOp) dispatch(fn func()) {
	op.conn().srv.loop.Dispatch(fn)
}

// Connect completes initialization.
func (op *serverOp) Connect(payload []byte) {
	payload = slices.Clone(payload)
	op.dispatch(func() {
		if op.state != opCreating {
			return
		}
		op.reply(pva.SubInit, pva.Status{}, payload)
		op.state = opIdle
	})
}

func (op *serverOp) Error(msg string) {
	op.dispatch(func() {
		switch op.state {
		case opCreating:
			op.reply(pva.SubInit, pva.ErrorStatus("%s", msg), nil)
			op.cleanup()
		case opExecuting:
			op.reply(op.lastSubcmd, pva.ErrorStatus("%s", msg), nil)
			op.state = opIdle
		default:
			log.Debug("Op %d: error %q in state %s dropped", op.ioid, msg, op.state)
		}
	})
}

func (op *serverOp) Reply(payload []byte) {
	payload = slices.Clone(payload)
	op.dispatch(func() {
		if op.state != opExecuting || op.kind == source.OpMonitor {
			return
		}
		op.reply(op.lastSubcmd, pva.Status{}, payload)
		op.state = opIdle
		if op.destroyAfter {
			op.cleanup()
		}
	})
}

// Post queues a subscription update behind any earlier ones still held
// back by flow control.
func (op *serverOp) Post(payload []byte) {
	if op.kind != source.OpMonitor {
		log.Debug("Op %d: post on %s ignored", op.ioid, op.kind)
		return
	}
	payload = slices.Clone(payload)
	op.dispatch(func() {
		if op.state != opExecuting || op.finishing {
			return
		}
		op.conn().flow.enqueue(func() {
			if op.state != opExecuting {
				return
			}
			op.send(&pva.OpReply{IOID: op.ioid, Subcmd: 0, NoStatus: true, Payload: payload})
		})
	})
}

// Close ends the operation. A subscription's final destroy reply follows
// every update posted before it.
func (op *serverOp) Close() {
	op.dispatch(func() {
		switch op.state {
		case opDead:
			return
		case opCreating:
			op.reply(pva.SubInit, pva.ErrorStatus("Operation closed"), nil)
		default:
			if op.kind == source.OpMonitor {
				if op.finishing {
					return
				}
				op.finishing = true
				op.conn().flow.enqueue(func() {
					if op.state == opDead {
						return
					}
					op.reply(pva.SubDestroy, pva.Status{}, nil)
					op.cleanup()
				})
				return
			}
		}
		op.cleanup()
	})
}

func (op *serverOp) reply(subcmd uint8, status pva.Status, payload []byte) {
	op.send(&pva.OpReply{IOID: op.ioid, Subcmd: subcmd, Status: status, Payload: payload})
}

func (op *serverOp) send(m *pva.OpReply) {
	c := op.conn()
	if c.dead {
		return
	}
	msg, err := pva.Marshal(op.cmd, m)
	if err != nil {
		c.fail(err)
		return
	}
	op.ch.tx += uint64(len(msg))
	c.send(msg)
}

// cancel handles a client cancel request. Cancelling an operation that
// is not executing is an accepted race with completion.
func (op *serverOp) cancel() {
	if op.state != opExecuting {
		log.Debug("Op %d: cancel in state %s (allowed race)", op.ioid, op.state)
		return
	}
	op.state = opIdle
	if fn := op.cancelFn(); fn != nil {
		_ = safeCall("Op.OnCancel", fn)
	}
}

// cleanup moves the operation to Dead and removes it from its channel
// and connection. Later calls do nothing.
func (op *serverOp) cleanup() {
	if op.state == opDead {
		return
	}
	wasExecuting := op.state == opExecuting
	op.state = opDead

	op.mu.Lock()
	op.closed = true
	cancel, onClose := op.onCancel, op.onClose
	op.onExecute, op.onCancel, op.onClose = nil, nil, nil
	op.mu.Unlock()

	if wasExecuting && cancel != nil {
		_ = safeCall("Op.OnCancel", cancel)
	}

	c := op.conn()
	delete(op.ch.ops, op.ioid)
	if c.ops[op.ioid] == op {
		delete(c.ops, op.ioid)
	}
	c.srv.opsChanged(-1)

	if onClose != nil {
		c.srv.loop.Dispatch(func() { _ = safeCall("Op.OnClose", func() { onClose("") }) })
	}
}
