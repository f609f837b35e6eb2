// Package backup exports the whole registry as a JSON snapshot and restores
// it again. A restore replaces every user and link in one exclusive update.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/errx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/metrics"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/model"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/store"
)

type Store interface {
	View(ctx context.Context, fn func(tx *store.Tx) error) error
	Update(ctx context.Context, fn func(tx *store.Tx) error) error
}

type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(st Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// Export returns every user, credentials included, and every link.
func (s *Service) Export(ctx context.Context) (model.Snapshot, error) {
	var snap model.Snapshot
	err := s.store.View(ctx, func(tx *store.Tx) error {
		snap.Users = tx.Users()
		snap.Links = tx.Links()
		return nil
	})
	if err != nil {
		return model.Snapshot{}, errx.Wrap("backup.Export", err)
	}
	if snap.Users == nil {
		snap.Users = []model.User{}
	}
	if snap.Links == nil {
		snap.Links = []model.Link{}
	}
	return snap, nil
}

// Import decodes raw and restores it. The document must be a JSON object
// whose "users" and "links" members are both arrays.
func (s *Service) Import(ctx context.Context, raw []byte) error {
	const op = "backup.Import"

	snap, err := decodeSnapshot(raw)
	if err != nil {
		metrics.SnapshotImportsTotal.WithLabelValues("rejected").Inc()
		return errx.E(op, errx.Invalid, err)
	}
	return errx.Wrap(op, s.ImportSnapshot(ctx, snap))
}

// ImportSnapshot discards the current users and links and stores snap in
// their place. Nothing changes when snap fails the store's consistency checks.
func (s *Service) ImportSnapshot(ctx context.Context, snap model.Snapshot) error {
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		return tx.Replace(snap)
	})
	metrics.SnapshotImportsTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		return errx.Wrap("backup.ImportSnapshot", err)
	}

	s.logger.InfoContext(ctx, "snapshot imported",
		"users", len(snap.Users),
		"links", len(snap.Links),
	)
	return nil
}

func decodeSnapshot(raw []byte) (model.Snapshot, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.Snapshot{}, fmt.Errorf("%w: snapshot must be a JSON object", model.ErrInvalidFormat)
	}
	for _, key := range []string{"users", "links"} {
		if !isArray(doc[key]) {
			return model.Snapshot{}, fmt.Errorf("%w: %q must be an array", model.ErrInvalidFormat, key)
		}
	}

	var snap model.Snapshot
	if err := json.Unmarshal(doc["users"], &snap.Users); err != nil {
		return model.Snapshot{}, fmt.Errorf("%w: users: %v", model.ErrInvalidFormat, err)
	}
	if err := json.Unmarshal(doc["links"], &snap.Links); err != nil {
		return model.Snapshot{}, fmt.Errorf("%w: links: %v", model.ErrInvalidFormat, err)
	}
	return snap, nil
}

func isArray(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) > 0 && v[0] == '['
}
