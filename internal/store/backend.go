package store

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/model"
)

// Changeset is the unit of persistence handed to a Backend after a
// successful Update. Deletes are applied before puts. When Replace is set the
// backend discards every stored user and link first.
type Changeset struct {
	Replace     bool
	PutUsers    []model.User
	DeleteUsers []string
	PutLinks    []model.Link
	DeleteLinks []string
}

// Empty reports whether applying the changeset would be a no-op.
func (c Changeset) Empty() bool {
	return !c.Replace &&
		len(c.PutUsers) == 0 && len(c.DeleteUsers) == 0 &&
		len(c.PutLinks) == 0 && len(c.DeleteLinks) == 0
}

// Backend persists the registry. Implementations are only ever called while
// the store holds its writer lock, so they need not serialize Apply calls
// themselves.
type Backend interface {
	Load(ctx context.Context) (model.Snapshot, error)
	Apply(ctx context.Context, cs Changeset) error
	Close() error
}

// MemoryBackend keeps the persisted collections in process memory. Reopening
// a store over the same MemoryBackend sees everything applied so far.
type MemoryBackend struct {
	mu    sync.Mutex
	users map[string]model.User
	links map[string]model.Link
}

// NewMemoryBackend returns a backend seeded with snap.
func NewMemoryBackend(seed model.Snapshot) *MemoryBackend {
	b := &MemoryBackend{
		users: make(map[string]model.User, len(seed.Users)),
		links: make(map[string]model.Link, len(seed.Links)),
	}
	for _, u := range seed.Users {
		b.users[u.ID] = u
	}
	for _, l := range seed.Links {
		b.links[l.ID] = l.Clone()
	}
	return b
}

func (b *MemoryBackend) Load(_ context.Context) (model.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := model.Snapshot{
		Users: slices.Collect(maps.Values(b.users)),
		Links: make([]model.Link, 0, len(b.links)),
	}
	for _, l := range b.links {
		snap.Links = append(snap.Links, l.Clone())
	}
	return snap, nil
}

func (b *MemoryBackend) Apply(_ context.Context, cs Changeset) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cs.Replace {
		clear(b.users)
		clear(b.links)
	}
	for _, id := range cs.DeleteUsers {
		delete(b.users, id)
	}
	for _, id := range cs.DeleteLinks {
		delete(b.links, id)
	}
	for _, u := range cs.PutUsers {
		b.users[u.ID] = u
	}
	for _, l := range cs.PutLinks {
		b.links[l.ID] = l.Clone()
	}
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
