// Package session persists conversation transcripts between HTTP turns.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/conciergelabs/concierge/internal/agent"
)

// ErrNotFound is returned when no conversation exists under an ID.
var ErrNotFound = errors.New("conversation not found")

// Store loads and saves conversation state. Save overwrites the stored
// transcript with the full current one. Ephemeral reports whether saves
// actually survive the request, so responses can flag lost continuity.
type Store interface {
	Load(ctx context.Context, id string) (*agent.State, error)
	Save(ctx context.Context, state *agent.State) error
	Ephemeral() bool
	Close() error
}

// NullStore is the explicit no-persistence store. Every lookup misses
// and every save vanishes, so conversations live only as long as a
// single request. Used for ephemeral mode and as the fallback when the
// real store cannot be opened.
type NullStore struct{}

func (NullStore) Load(ctx context.Context, id string) (*agent.State, error) {
	return nil, ErrNotFound
}

func (NullStore) Save(ctx context.Context, state *agent.State) error { return nil }

func (NullStore) Ephemeral() bool { return true }

func (NullStore) Close() error { return nil }

// Locker serializes access per conversation ID so two concurrent
// requests for the same conversation cannot interleave transcript
// writes. Different conversations proceed in parallel.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewLocker creates an empty locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for id and returns its release func. Entries
// are dropped once the last holder releases, so the map does not grow
// with conversation count.
func (l *Locker) Lock(id string) func() {
	l.mu.Lock()
	e, ok := l.locks[id]
	if !ok {
		e = &entry{}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
