// Package registry holds the data-provider sources of a server, keyed by
// (priority, name) and iterated in ascending key order.
package registry

import (
	"cmp"
	"errors"
	"fmt"
	"sync"

	rb "github.com/glycerine/rbtree"
	"github.com/marmos91/pvaserver/pkg/source"
)

// ErrAlreadyRegistered is returned when a (priority, name) key is taken.
var ErrAlreadyRegistered = errors.New("source already registered")

// ErrNotFound is returned when removing or looking up an absent key.
var ErrNotFound = errors.New("source not found")

// Key orders sources: lower priority first, ties broken by name.
type Key struct {
	Priority int
	Name     string
}

func (k Key) String() string { return fmt.Sprintf("(%d, %q)", k.Priority, k.Name) }

func compareKeys(a, b Key) int {
	if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
		return c
	}
	return cmp.Compare(a.Name, b.Name)
}

// Entry is one registered source.
type Entry struct {
	Key    Key
	Source source.Source
}

// Registry is safe for concurrent use. Readers hold a shared lock for the
// whole iteration; writers take the exclusive lock only to mutate the tree.
//
// A Source called from Range must not add or remove sources, since the
// shared lock is still held.
type Registry struct {
	mu   sync.RWMutex
	tree *rb.Tree
}

func New() *Registry {
	return &Registry{
		tree: rb.NewTree(func(a, b rb.Item) int {
			return compareKeys(a.(*Entry).Key, b.(*Entry).Key)
		}),
	}
}

// Add registers src under (priority, name).
func (r *Registry) Add(priority int, name string, src source.Source) error {
	if src == nil {
		return fmt.Errorf("cannot register nil source %q", name)
	}
	if name == "" {
		return fmt.Errorf("cannot register source with empty name")
	}

	e := &Entry{Key: Key{Priority: priority, Name: name}, Source: src}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found := r.tree.FindGE_isEqual(e); found {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, e.Key)
	}
	r.tree.InsertGetIt(e)
	return nil
}

// Remove unregisters and returns the source under (priority, name).
func (r *Registry) Remove(priority int, name string) (source.Source, error) {
	query := &Entry{Key: Key{Priority: priority, Name: name}}

	r.mu.Lock()
	defer r.mu.Unlock()

	it, found := r.tree.FindGE_isEqual(query)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, query.Key)
	}
	src := it.Item().(*Entry).Source
	r.tree.DeleteWithIterator(it)
	return src, nil
}

// Get returns the source under (priority, name).
func (r *Registry) Get(priority int, name string) (source.Source, bool) {
	query := &Entry{Key: Key{Priority: priority, Name: name}}

	r.mu.RLock()
	defer r.mu.RUnlock()

	it, found := r.tree.FindGE_isEqual(query)
	if !found {
		return nil, false
	}
	return it.Item().(*Entry).Source, true
}

// Range calls fn for each entry in key order until fn returns false.
func (r *Registry) Range(fn func(e Entry) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for it := r.tree.Min(); !it.Limit(); it = it.Next() {
		if !fn(*it.Item().(*Entry)) {
			return
		}
	}
}

// Snapshot copies all entries in key order.
func (r *Registry) Snapshot() []Entry {
	var out []Entry
	r.Range(func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Restore replaces the contents with entries, typically a Snapshot.
func (r *Registry) Restore(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tree.DeleteAll()
	for i := range entries {
		e := entries[i]
		r.tree.InsertGetIt(&e)
	}
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree.Len()
}
