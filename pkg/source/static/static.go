// Package static is a Source serving a fixed set of named process
// variables whose values are held in a store.ValueStore.
//
// Each PV supports GET, PUT, PUT_GET, PROCESS and MONITOR. Values are
// opaque encoded bytes: a PUT payload replaces the stored value as is.
package static

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/marmos91/pvaserver/internal/logger"
	"github.com/marmos91/pvaserver/internal/protocol/pva"
	"github.com/marmos91/pvaserver/pkg/source"
	"github.com/marmos91/pvaserver/pkg/store"
)

var (
	ErrExists   = errors.New("pv already exists")
	ErrNotFound = errors.New("pv not found")
)

var log = logger.Named("pva.static")

type pv struct {
	name        string
	typ         []byte
	value       []byte
	subscribers map[source.Op]struct{}
}

type Source struct {
	mu    sync.RWMutex
	pvs   map[string]*pv
	store store.ValueStore

	onChange func()
}

// New creates a Source and loads every record already in st.
func New(ctx context.Context, st store.ValueStore) (*Source, error) {
	s := &Source{pvs: make(map[string]*pv), store: st}

	names, err := st.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list stored pvs: %w", err)
	}
	for _, name := range names {
		rec, err := st.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to load pv %q: %w", name, err)
		}
		s.pvs[name] = &pv{name: name, typ: rec.Type, value: rec.Value, subscribers: map[source.Op]struct{}{}}
	}
	if len(names) > 0 {
		log.Info("Loaded %d pvs from store", len(names))
	}
	return s, nil
}

// SetOnChange registers fn to be called after a PV is added or removed.
func (s *Source) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Source) changed() {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Add creates a PV and persists it.
func (s *Source) Add(ctx context.Context, name string, typ, value []byte) error {
	s.mu.Lock()
	if _, ok := s.pvs[name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, name)
	}
	p := &pv{name: name, typ: slices.Clone(typ), value: slices.Clone(value), subscribers: map[source.Op]struct{}{}}
	s.pvs[name] = p
	s.mu.Unlock()

	if err := s.store.Put(ctx, &store.Record{Name: name, Type: typ, Value: value, Updated: time.Now()}); err != nil {
		s.mu.Lock()
		delete(s.pvs, name)
		s.mu.Unlock()
		return fmt.Errorf("failed to persist pv %q: %w", name, err)
	}

	s.changed()
	return nil
}

// AddString creates a PV whose value is a structure with a single string
// member "value".
func (s *Source) AddString(ctx context.Context, name, value string) error {
	te := pva.NewEncoder()
	te.PutStringStructType("epics:nt/NTScalar:1.0", []string{"value"})
	typ, err := te.Bytes()
	if err != nil {
		return err
	}

	ve := pva.NewEncoder()
	ve.PutStringStructValue([]string{value})
	val, err := ve.Bytes()
	if err != nil {
		return err
	}
	return s.Add(ctx, name, typ, val)
}

// Remove deletes a PV and closes every subscription to it.
func (s *Source) Remove(ctx context.Context, name string) error {
	s.mu.Lock()
	p, ok := s.pvs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(s.pvs, name)
	subs := make([]source.Op, 0, len(p.subscribers))
	for op := range p.subscribers {
		subs = append(subs, op)
	}
	s.mu.Unlock()

	for _, op := range subs {
		op.Close()
	}

	if err := s.store.Delete(ctx, name); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to delete pv %q: %w", name, err)
	}

	s.changed()
	return nil
}

// Get returns the current type description and value of a PV.
func (s *Source) Get(name string) (typ, value []byte, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pvs[name]
	if !ok {
		return nil, nil, false
	}
	return slices.Clone(p.typ), slices.Clone(p.value), true
}

// Post replaces the value of a PV, persists it, and notifies subscribers.
func (s *Source) Post(ctx context.Context, name string, value []byte) error {
	s.mu.Lock()
	p, ok := s.pvs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	p.value = slices.Clone(value)
	typ := p.typ
	subs := make([]source.Op, 0, len(p.subscribers))
	for op := range p.subscribers {
		subs = append(subs, op)
	}
	s.mu.Unlock()

	for _, op := range subs {
		op.Post(value)
	}

	return s.store.Put(ctx, &store.Record{Name: name, Type: typ, Value: value, Updated: time.Now()})
}

func (s *Source) List() source.List {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.pvs))
	for name := range s.pvs {
		names = append(names, name)
	}
	slices.Sort(names)
	return source.List{Names: names}
}

func (s *Source) OnSearch(search source.Search) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := 0; i < search.Len(); i++ {
		if _, ok := s.pvs[search.Name(i)]; ok {
			search.Claim(i)
		}
	}
}

func (s *Source) OnCreate(ch source.ChannelControl) {
	name := ch.Name()

	s.mu.RLock()
	_, ok := s.pvs[name]
	s.mu.RUnlock()
	if !ok {
		return
	}

	ch.OnOp(func(op source.Op) { s.onOp(name, op) })
	ch.OnSubscribe(func(op source.Op) { s.onSubscribe(name, op) })
	ch.OnReport(func() string {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if p, ok := s.pvs[name]; ok {
			return fmt.Sprintf("static pv, %d subscribers", len(p.subscribers))
		}
		return "static pv (removed)"
	})
}

func (s *Source) onOp(name string, op source.Op) {
	typ, _, ok := s.Get(name)
	if !ok {
		op.Error("No such PV")
		return
	}

	op.OnExecute(func(subcmd uint8, payload []byte) {
		_, value, ok := s.Get(name)
		if !ok {
			op.Error("No such PV")
			return
		}

		switch op.Kind() {
		case source.OpGet:
			op.Reply(value)
		case source.OpPut:
			if subcmd&pva.SubGet != 0 {
				op.Reply(value)
				return
			}
			if err := s.Post(context.Background(), name, payload); err != nil {
				op.Error(err.Error())
				return
			}
			op.Reply(nil)
		case source.OpPutGet:
			if err := s.Post(context.Background(), name, payload); err != nil {
				op.Error(err.Error())
				return
			}
			op.Reply(payload)
		default:
			op.Reply(nil)
		}
	})
	op.Connect(typ)
}

func (s *Source) onSubscribe(name string, op source.Op) {
	s.mu.Lock()
	p, ok := s.pvs[name]
	var typ []byte
	if ok {
		p.subscribers[op] = struct{}{}
		typ = slices.Clone(p.typ)
	}
	s.mu.Unlock()

	if !ok {
		op.Error("No such PV")
		return
	}

	op.OnClose(func(string) {
		s.mu.Lock()
		if p, ok := s.pvs[name]; ok {
			delete(p.subscribers, op)
		}
		s.mu.Unlock()
	})
	op.OnExecute(func(subcmd uint8, _ []byte) {
		if subcmd&pva.SubGet == 0 {
			// stop
			return
		}
		// start: send the current value first
		if _, value, ok := s.Get(name); ok {
			op.Post(value)
		}
	})
	op.Connect(typ)
}

