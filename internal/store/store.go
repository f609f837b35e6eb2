// Package store is the single-writer registry of users and links.
//
// All mutations run inside Update under one exclusive lock: they are staged
// in a Tx, persisted through the Backend, and only then published to the
// in-memory state readers see. Reads run inside View under a shared lock and
// always receive copies.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/errx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/model"
)

// ErrClosed is returned by View and Update after Close.
var ErrClosed = errors.New("store is closed")

// Store holds the published registry state and serializes every write to its backend.
type Store struct {
	mu      sync.RWMutex
	backend Backend
	state   *state
	closed  bool
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for persistence failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open loads the backend's collections and returns a ready store. A nil
// backend yields an empty, non-persistent store.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	const op = "store.Open"

	if backend == nil {
		backend = NewMemoryBackend(model.Snapshot{})
	}

	s := &Store{
		backend: backend,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	snap, err := backend.Load(ctx)
	if err != nil {
		return nil, errx.E(op, errx.Unavailable, fmt.Errorf("load collections: %w", err))
	}

	st, err := newState(snap)
	if err != nil {
		return nil, errx.Wrap(op, err)
	}
	s.state = st

	s.logger.Debug("store opened",
		"users", len(st.users),
		"links", len(st.links),
	)
	return s, nil
}

// Close closes the backend. Further calls fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.backend.Close()
}

// View runs fn with a read-only transaction. Concurrent Views proceed in
// parallel; none of them observes a partially applied Update.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errx.E("store.View", errx.Unavailable, ErrClosed)
	}
	return fn(newTx(s.state, false))
}

// Update runs fn with a writable transaction while holding the writer lock.
// When fn returns nil the staged changes are persisted and published; when
// fn or the backend fails the store is left exactly as it was.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	const op = "store.Update"

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errx.E(op, errx.Unavailable, ErrClosed)
	}

	tx := newTx(s.state, true)
	if err := fn(tx); err != nil {
		return err
	}

	cs := tx.changeset()
	if cs.Empty() {
		return nil
	}

	if err := s.backend.Apply(ctx, cs); err != nil {
		s.logger.ErrorContext(ctx, "persisting changeset failed",
			"error", err.Error(),
			"replace", cs.Replace,
			"put_users", len(cs.PutUsers),
			"put_links", len(cs.PutLinks),
		)
		if errx.KindOf(err) != errx.Unknown {
			return errx.Wrap(op, err)
		}
		return errx.E(op, errx.Unavailable, err)
	}

	s.state.apply(cs)
	return nil
}
