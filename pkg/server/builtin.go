package server

import (
	"encoding/binary"
	"slices"
	"strconv"

	"github.com/marmos91/pvaserver/internal/protocol/pva"
	"github.com/marmos91/pvaserver/pkg/registry"
	"github.com/marmos91/pvaserver/pkg/source"
)

// Names and priority of the sources every server registers.
const (
	BuiltinPriority   = -1
	ServerSourceName  = "__server"
	BuiltinSourceName = "__builtin"

	serverChannelName = "server"
	ntScalarArrayID   = "epics:nt/NTScalarArray:1.0"
)

// serverSource answers RPCs on the "server" channel with information
// about this server. The request may carry an "op" (or "query.op")
// member: "channels" (the default) lists every name the registered
// Sources report, "info" describes the server.
type serverSource struct {
	srv *Server
}

func (s *serverSource) List() source.List {
	return source.List{Names: []string{serverChannelName}}
}

func (s *serverSource) OnSearch(search source.Search) {
	for i := 0; i < search.Len(); i++ {
		if search.Name(i) == serverChannelName {
			search.Claim(i)
		}
	}
}

func (s *serverSource) OnCreate(ch source.ChannelControl) {
	if ch.Name() != serverChannelName {
		return
	}
	ch.OnRPC(func(op source.Op) {
		op.OnExecute(func(_ uint8, payload []byte) { s.rpc(op, payload) })
		op.Connect(nil)
	})
}

func (s *serverSource) rpc(op source.Op, payload []byte) {
	var order binary.ByteOrder = binary.BigEndian
	if sop, ok := op.(*serverOp); ok && sop.order != nil {
		order = sop.order
	}

	args := map[string]string{}
	if len(payload) > 0 {
		var err error
		args, err = pva.DecodeFlat(pva.NewDecoder(payload, order), nil)
		if err != nil {
			op.Error("Invalid request: " + err.Error())
			return
		}
	}

	what := args["op"]
	if what == "" {
		what = args["query.op"]
	}

	e := pva.NewEncoder()
	switch what {
	case "", "channels":
		e.PutStringArrayStruct(ntScalarArrayID, "value", s.channels())
	case "info":
		e.PutStringStruct("", []pva.StringField{
			{Name: "implementation", Value: "pvaserver"},
			{Name: "version", Value: strconv.Itoa(pva.Version)},
			{Name: "guid", Value: s.srv.GUID().String()},
		})
	default:
		op.Error("Unknown operation " + strconv.Quote(what))
		return
	}

	out, err := e.Bytes()
	if err != nil {
		op.Error(err.Error())
		return
	}
	op.Reply(out)
}

// channels gathers the sorted, de-duplicated names of every Source that
// can list them.
func (s *serverSource) channels() []string {
	var names []string
	s.srv.reg.Range(func(e registry.Entry) bool {
		if l, ok := e.Source.(source.Lister); ok {
			_ = safeCall("Source.List", func() { names = append(names, l.List().Names...) })
		}
		return true
	})
	slices.Sort(names)
	return slices.Compact(names)
}
