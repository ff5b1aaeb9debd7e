// Package source defines the capability a data provider implements to
// serve channels, and the handles the server passes to it.
//
// A Source is consulted in two situations:
//
//   - Search: OnSearch inspects a batch of names and claims the ones it
//     can serve. Claims decide whether the server answers a UDP or
//     in-stream search at all.
//   - Channel creation: OnCreate receives a ChannelControl for one name.
//     Registering at least one callback (OnOp, OnRPC, OnSubscribe,
//     OnClose) claims the channel. Calling Close rejects it. Doing
//     neither lets the next Source in priority order try.
//
// Callbacks registered on ChannelControl and Op run on the server's
// event loop and must not block. Methods on ChannelControl and Op may be
// called from any goroutine.
package source

// Source is implemented by data providers.
type Source interface {
	OnSearch(search Search)
	OnCreate(ch ChannelControl)
}

// Lister is optionally implemented by a Source to enumerate the names it
// serves, for diagnostics and the builtin "server" channel.
type Lister interface {
	List() List
}

// List is the result of Lister.List.
type List struct {
	Names []string
	// Dynamic is true when the Source may claim names not listed.
	Dynamic bool
}

// Search is one batch of names from a search request.
type Search interface {
	Len() int
	Name(i int) string
	Claim(i int)
	Claimed(i int) bool
	// Source is the address of the requester.
	Source() string
}

// OpKind distinguishes the request-response operations.
type OpKind uint8

const (
	OpGet OpKind = iota
	OpPut
	OpPutGet
	OpProcess
	OpRPC
	OpMonitor
)

func (k OpKind) String() string {
	switch k {
	case OpGet:
		return "GET"
	case OpPut:
		return "PUT"
	case OpPutGet:
		return "PUT_GET"
	case OpProcess:
		return "PROCESS"
	case OpRPC:
		return "RPC"
	case OpMonitor:
		return "MONITOR"
	}
	return "UNKNOWN"
}

// ChannelControl is the server side of one channel, handed to
// Source.OnCreate.
type ChannelControl interface {
	Name() string
	Credentials() Credentials

	// OnOp is called for GET, PUT, PUT_GET and PROCESS initialization.
	OnOp(fn func(op Op))
	// OnRPC is called for RPC initialization.
	OnRPC(fn func(op Op))
	// OnSubscribe is called for MONITOR initialization.
	OnSubscribe(fn func(op Op))
	// OnClose is called once when the channel is destroyed. Registration
	// after destruction is ignored.
	OnClose(fn func())
	// OnReport supplies extra text for server reports.
	OnReport(fn func() string)

	// Close destroys the channel. During OnCreate this rejects the
	// channel; afterwards the client is told the channel is gone.
	Close()
}

// Op is one in-flight operation. Payloads are opaque encoded values.
type Op interface {
	Kind() OpKind
	IOID() uint32
	Name() string
	Credentials() Credentials
	// Request is the payload of the initializing request.
	Request() []byte

	// Connect completes initialization successfully. The payload is
	// sent to the client, typically a type description.
	Connect(payload []byte)
	// Error fails initialization or the current execution.
	Error(msg string)
	// Reply completes the current execution.
	Reply(payload []byte)
	// Post queues a subscription update. Updates are delivered in order
	// and held back while the connection is congested.
	Post(payload []byte)

	// OnExecute receives each execution request after initialization.
	OnExecute(fn func(subcmd uint8, payload []byte))
	// OnCancel is invoked when the client cancels an execution.
	OnCancel(fn func())
	// OnClose is invoked once when the operation ends.
	OnClose(fn func(msg string))

	// Close ends the operation from the server side.
	Close()
}
