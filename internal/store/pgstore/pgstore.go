// Package pgstore persists the registry in PostgreSQL through pgx.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/errx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/model"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// DB is the subset of *pgxpool.Pool the backend needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Backend implements store.Backend on PostgreSQL.
type Backend struct {
	db DB
}

var _ store.Backend = (*Backend)(nil)

// Open applies the schema and returns a backend that owns db.
func Open(ctx context.Context, db DB) (*Backend, error) {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Close() error {
	b.db.Close()
	return nil
}

// Load reads users, links and their daily stats.
func (b *Backend) Load(ctx context.Context) (model.Snapshot, error) {
	const op = "pgstore.Load"

	users, err := b.loadUsers(ctx)
	if err != nil {
		return model.Snapshot{}, mapError(op, err)
	}
	links, err := b.loadLinks(ctx)
	if err != nil {
		return model.Snapshot{}, mapError(op, err)
	}
	return model.Snapshot{Users: users, Links: links}, nil
}

func (b *Backend) loadUsers(ctx context.Context) ([]model.User, error) {
	rows, err := b.db.Query(ctx,
		`SELECT id, email, name, role, credential, created_at FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.User, error) {
		var (
			u         model.User
			role      string
			createdAt pgtype.Timestamptz
		)
		if err := row.Scan(&u.ID, &u.Email, &u.Name, &role, &u.Credential, &createdAt); err != nil {
			return model.User{}, err
		}
		u.Role = model.Role(role)
		ts, err := mustTime(createdAt, "users.created_at")
		if err != nil {
			return model.User{}, err
		}
		u.CreatedAt = ts
		return u, nil
	})
}

func (b *Backend) loadLinks(ctx context.Context) ([]model.Link, error) {
	rows, err := b.db.Query(ctx, `
		SELECT id, original_url, slug, creator_id, clicks, created_at, last_clicked_at, expires_at
		FROM links ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	links, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Link, error) {
		var (
			l                              model.Link
			createdAt, lastClicked, expiry pgtype.Timestamptz
		)
		if err := row.Scan(&l.ID, &l.OriginalURL, &l.Slug, &l.CreatorID, &l.Clicks,
			&createdAt, &lastClicked, &expiry); err != nil {
			return model.Link{}, err
		}
		ts, err := mustTime(createdAt, "links.created_at")
		if err != nil {
			return model.Link{}, err
		}
		l.CreatedAt = ts
		l.LastClickedAt = timePtr(lastClicked)
		l.ExpiresAt = timePtr(expiry)
		return l, nil
	})
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(links))
	for i, l := range links {
		index[l.ID] = i
		links[i].History = []model.DailyStat{}
	}

	statRows, err := b.db.Query(ctx,
		`SELECT link_id, day, count FROM link_daily_stats ORDER BY link_id, day`)
	if err != nil {
		return nil, err
	}
	defer statRows.Close()

	for statRows.Next() {
		var (
			linkID string
			stat   model.DailyStat
		)
		if err := statRows.Scan(&linkID, &stat.Date, &stat.Count); err != nil {
			return nil, err
		}
		if i, ok := index[linkID]; ok {
			links[i].History = append(links[i].History, stat)
		}
	}
	return links, statRows.Err()
}

// Apply writes the changeset in one transaction. Unique constraints are
// deferred, so a changeset that swaps slugs or emails between records only
// has to be consistent at commit.
func (b *Backend) Apply(ctx context.Context, cs store.Changeset) error {
	const op = "pgstore.Apply"

	tx, err := b.db.Begin(ctx)
	if err != nil {
		return mapError(op, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	batch := buildBatch(cs)
	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return mapError(op, err)
		}
	}
	if err := results.Close(); err != nil {
		return mapError(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError(op, err)
	}
	return nil
}

func buildBatch(cs store.Changeset) *pgx.Batch {
	batch := &pgx.Batch{}

	if cs.Replace {
		batch.Queue(`TRUNCATE link_daily_stats, links, users`)
	}
	if len(cs.DeleteLinks) > 0 {
		batch.Queue(`DELETE FROM links WHERE id = ANY($1)`, cs.DeleteLinks)
	}
	if len(cs.DeleteUsers) > 0 {
		batch.Queue(`DELETE FROM users WHERE id = ANY($1)`, cs.DeleteUsers)
	}

	for _, u := range cs.PutUsers {
		batch.Queue(`
			INSERT INTO users (id, email, name, role, credential, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				name = EXCLUDED.name,
				role = EXCLUDED.role,
				credential = EXCLUDED.credential`,
			u.ID, u.Email, u.Name, string(u.Role), u.Credential, u.CreatedAt)
	}

	for _, l := range cs.PutLinks {
		batch.Queue(`
			INSERT INTO links (id, original_url, slug, creator_id, clicks, created_at, last_clicked_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				original_url = EXCLUDED.original_url,
				slug = EXCLUDED.slug,
				creator_id = EXCLUDED.creator_id,
				clicks = EXCLUDED.clicks,
				last_clicked_at = EXCLUDED.last_clicked_at,
				expires_at = EXCLUDED.expires_at`,
			l.ID, l.OriginalURL, l.Slug, l.CreatorID, l.Clicks, l.CreatedAt,
			toTimestamptz(l.LastClickedAt), toTimestamptz(l.ExpiresAt))

		batch.Queue(`DELETE FROM link_daily_stats WHERE link_id = $1`, l.ID)
		if len(l.History) > 0 {
			days := make([]string, len(l.History))
			counts := make([]int64, len(l.History))
			for i, h := range l.History {
				days[i], counts[i] = h.Date, h.Count
			}
			batch.Queue(`
				INSERT INTO link_daily_stats (link_id, day, count)
				SELECT $1, d, c FROM unnest($2::text[], $3::bigint[]) AS t(d, c)`,
				l.ID, days, counts)
		}
	}
	return batch
}

func mustTime(ts pgtype.Timestamptz, field string) (time.Time, error) {
	if !ts.Valid {
		return time.Time{}, fmt.Errorf("%s unexpectedly NULL", field)
	}
	return ts.Time, nil
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

func toTimestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func mapError(op string, err error) error {
	switch {
	case isUniqueViolation(err, "links_slug_unique"):
		return errx.E(op, errx.Conflict, fmt.Errorf("%w: %v", model.ErrSlugTaken, err))
	case isUniqueViolation(err, "users_email_unique"):
		return errx.E(op, errx.Conflict, fmt.Errorf("%w: %v", model.ErrDuplicateEmail, err))
	default:
		return errx.E(op, errx.Unavailable, err)
	}
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}
