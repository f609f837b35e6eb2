// Package badgerstore persists the registry in an embedded BadgerDB.
//
// Users and links are independent collections distinguished by key prefix
// ("user/<id>", "link/<id>") with JSON values, so each can be dumped or
// restored on its own. One changeset is written in one badger transaction,
// so a changeset is bounded by badger's transaction size (roughly 15% of the
// memtable size, about 9.6MB with the defaults). A snapshot import larger
// than that is rejected as invalid and leaves the database unchanged.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/errx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/model"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/store"
)

const (
	userPrefix = "user/"
	linkPrefix = "link/"
)

// Config holds configuration for the badger backend.
type Config struct {
	// Path is the data directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM; used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval is how often value-log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64

	Logger *slog.Logger
}

// DefaultConfig returns production defaults for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Backend implements store.Backend on top of BadgerDB.
type Backend struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

var _ store.Backend = (*Backend)(nil)

// Open opens (creating if needed) the database described by cfg.
func Open(cfg Config) (*Backend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	b := &Backend{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.stopGC = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return b, nil
}

// Load reads both collections.
func (b *Backend) Load(ctx context.Context) (model.Snapshot, error) {
	var snap model.Snapshot

	err := b.db.View(func(txn *badger.Txn) error {
		if err := scan(ctx, txn, userPrefix, func(val []byte) error {
			var u model.User
			if err := json.Unmarshal(val, &u); err != nil {
				return err
			}
			snap.Users = append(snap.Users, u)
			return nil
		}); err != nil {
			return fmt.Errorf("load users: %w", err)
		}

		if err := scan(ctx, txn, linkPrefix, func(val []byte) error {
			var l model.Link
			if err := json.Unmarshal(val, &l); err != nil {
				return err
			}
			snap.Links = append(snap.Links, l)
			return nil
		}); err != nil {
			return fmt.Errorf("load links: %w", err)
		}
		return nil
	})
	return snap, err
}

// Apply writes the changeset atomically. A changeset too large for one
// badger transaction fails with model.ErrInvalidFormat.
func (b *Backend) Apply(ctx context.Context, cs store.Changeset) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		if cs.Replace {
			for _, prefix := range []string{userPrefix, linkPrefix} {
				keys, err := collectKeys(ctx, txn, prefix)
				if err != nil {
					return err
				}
				for _, k := range keys {
					if err := txn.Delete(k); err != nil {
						return fmt.Errorf("delete %s: %w", k, err)
					}
				}
			}
		}

		for _, id := range cs.DeleteUsers {
			if err := txn.Delete([]byte(userPrefix + id)); err != nil {
				return fmt.Errorf("delete user %s: %w", id, err)
			}
		}
		for _, id := range cs.DeleteLinks {
			if err := txn.Delete([]byte(linkPrefix + id)); err != nil {
				return fmt.Errorf("delete link %s: %w", id, err)
			}
		}
		for _, u := range cs.PutUsers {
			if err := setJSON(txn, userPrefix+u.ID, u); err != nil {
				return fmt.Errorf("put user %s: %w", u.ID, err)
			}
		}
		for _, l := range cs.PutLinks {
			if err := setJSON(txn, linkPrefix+l.ID, l); err != nil {
				return fmt.Errorf("put link %s: %w", l.ID, err)
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		return errx.E("badgerstore.Apply", errx.Invalid, fmt.Errorf(
			"%w: changeset of %d users and %d links exceeds the transaction size limit",
			model.ErrInvalidFormat, len(cs.PutUsers), len(cs.PutLinks)))
	}
	return err
}

// Close stops GC and closes the database.
func (b *Backend) Close() error {
	if b.stopGC != nil {
		close(b.stopGC)
		<-b.gcDone
		b.stopGC = nil
	}
	return b.db.Close()
}

func (b *Backend) runGC(interval time.Duration, ratio float64) {
	defer close(b.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing worth collecting.
			if err := b.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.logger.Warn("badger value log GC error", "error", err.Error())
			}
		}
	}
}

func scan(ctx context.Context, txn *badger.Txn, prefix string, fn func(val []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := it.Item().Value(fn); err != nil {
			return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
	}
	return nil
}

func collectKeys(ctx context.Context, txn *badger.Txn, prefix string) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
