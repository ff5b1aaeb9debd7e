package server

// flow tracks bytes handed to a connection's writer but not yet written
// to the socket, and the backlog of sends deferred while that amount is
// at or above the limit.
//
// Reading from the peer is paused when the limit is reached and resumed
// once the queue drains to half of it. Backlog entries run in FIFO order
// as space frees up. A flow is owned by the event loop and needs no
// locking.
type flow struct {
	limit   int
	tx      int
	paused  bool
	backlog []func()
	pauses  int
}

func newFlow(limit int) *flow {
	if limit <= 0 {
		limit = 2 * defaultSendBufferCap
	}
	return &flow{limit: limit}
}

func (f *flow) congested() bool { return f.tx >= f.limit }

// queued accounts n more bytes and reports whether reading should pause.
func (f *flow) queued(n int) bool {
	f.tx += n
	if !f.paused && f.tx >= f.limit {
		f.paused = true
		f.pauses++
		return true
	}
	return false
}

// enqueue runs fn now unless the connection is congested or earlier
// entries are still waiting, in which case fn joins the backlog.
func (f *flow) enqueue(fn func()) {
	if f.congested() || len(f.backlog) > 0 {
		f.backlog = append(f.backlog, fn)
		return
	}
	fn()
}

// written accounts n bytes flushed to the socket, drains what it can of
// the backlog, and reports whether reading should resume.
func (f *flow) written(n int) bool {
	f.tx -= n
	if f.tx < 0 {
		f.tx = 0
	}

	for len(f.backlog) > 0 && !f.congested() {
		fn := f.backlog[0]
		f.backlog[0] = nil
		f.backlog = f.backlog[1:]
		fn()
	}

	if f.paused && f.tx <= f.limit/2 {
		f.paused = false
		return true
	}
	return false
}

// reset drops the backlog without running it.
func (f *flow) reset() {
	clear(f.backlog)
	f.backlog = nil
}
