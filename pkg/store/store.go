// Package store defines persistence for process variable values served
// by the builtin static source.
//
// Values are opaque: Type holds an encoded type description and Value an
// encoded value, exactly as they are sent to clients.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Record is one stored process variable.
type Record struct {
	Name    string    `json:"name"`
	Type    []byte    `json:"type"`
	Value   []byte    `json:"value"`
	Updated time.Time `json:"updated"`
}

// ValueStore persists records. Implementations are safe for concurrent use.
type ValueStore interface {
	Get(ctx context.Context, name string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, name string) error
	// List returns all record names in ascending order.
	List(ctx context.Context) ([]string, error)
	Close() error
}
