package guest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStore remembers which guest link belongs to an anonymous session.
// Entries expire on their own after the ttl given to Set.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (linkID string, ok bool, err error)
	Set(ctx context.Context, sessionID, linkID string, ttl time.Duration) error
	Delete(ctx context.Context, sessionID string) error
}

/***************
 * Memory
 ***************/

type memoryEntry struct {
	linkID  string
	expires time.Time
}

// MemorySessions is a process-local SessionStore.
type MemorySessions struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemorySessions returns an empty store. now may be nil.
func NewMemorySessions(now func() time.Time) *MemorySessions {
	if now == nil {
		now = time.Now
	}
	return &MemorySessions{entries: make(map[string]memoryEntry), now: now}
}

func (m *MemorySessions) Get(_ context.Context, sessionID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[sessionID]
	if !ok {
		return "", false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, sessionID)
		return "", false, nil
	}
	return e.linkID, true, nil
}

func (m *MemorySessions) Set(_ context.Context, sessionID, linkID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[sessionID] = memoryEntry{linkID: linkID, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemorySessions) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, sessionID)
	return nil
}

// Purge drops expired entries and returns how many were removed.
func (m *MemorySessions) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

// RunJanitor purges expired entries every interval until ctx is done.
func (m *MemorySessions) RunJanitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Purge()
		}
	}
}

/***************
 * Redis
 ***************/

const redisKeyPrefix = "guest_session:"

// RedisSessions keeps guest sessions in Redis so every replica sees them.
type RedisSessions struct {
	client redis.UniversalClient
}

func NewRedisSessions(client redis.UniversalClient) *RedisSessions {
	return &RedisSessions{client: client}
}

func (s *RedisSessions) Get(ctx context.Context, sessionID string) (string, bool, error) {
	linkID, err := s.client.Get(ctx, redisKeyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return linkID, true, nil
}

func (s *RedisSessions) Set(ctx context.Context, sessionID, linkID string, ttl time.Duration) error {
	return s.client.Set(ctx, redisKeyPrefix+sessionID, linkID, ttl).Err()
}

func (s *RedisSessions) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, redisKeyPrefix+sessionID).Err()
}
