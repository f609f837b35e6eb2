// Package analytics records clicks against links and answers per-day
// history queries.
//
// A click bumps the lifetime counter, stamps LastClickedAt and increments the
// DailyStat for the current calendar day in one store update, so the sum of a
// link's history always equals its click count. Expired links and links that
// no longer exist are left untouched.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/errx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/metrics"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/model"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/store"
)

// MaxSeriesDays bounds Series so a caller cannot ask for an unbounded slice.
const MaxSeriesDays = 366

// Store is the subset of *store.Store the engine needs.
type Store interface {
	View(ctx context.Context, fn func(tx *store.Tx) error) error
	Update(ctx context.Context, fn func(tx *store.Tx) error) error
}

// Summary aggregates a set of links for dashboards.
type Summary struct {
	TotalLinks   int   `json:"totalLinks"`
	ActiveLinks  int   `json:"activeLinks"`
	ExpiredLinks int   `json:"expiredLinks"`
	TotalClicks  int64 `json:"totalClicks"`
}

type Engine struct {
	store    Store
	now      func() time.Time
	location *time.Location
	logger   *slog.Logger
}

// Config holds optional engine settings.
type Config struct {
	Now      func() time.Time
	Location *time.Location // calendar used for day keys, default time.Local
	Logger   *slog.Logger
}

func NewEngine(st Store, cfg *Config) *Engine {
	if cfg == nil {
		cfg = &Config{}
	}
	e := &Engine{
		store:    st,
		now:      cfg.Now,
		location: cfg.Location,
		logger:   cfg.Logger,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.location == nil {
		e.location = time.Local
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// DayKey returns the calendar day of t in loc as YYYY-MM-DD.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(model.DateLayout)
}

// RecordClick counts one click on the link with the given id. Unknown ids
// and expired links are ignored; only a store failure is reported.
func (e *Engine) RecordClick(ctx context.Context, linkID string) error {
	const op = "analytics.RecordClick"

	outcome := metrics.ClickRecorded
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		link, ok := tx.Link(linkID)
		if !ok {
			outcome = metrics.ClickMissing
			return nil
		}

		now := e.now()
		if link.Expired(now) {
			outcome = metrics.ClickExpired
			return nil
		}

		link.Clicks++
		link.LastClickedAt = &now
		link.History = bump(link.History, DayKey(now, e.location))
		return tx.PutLink(link)
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "recording click failed",
			"link_id", linkID,
			"error", err.Error(),
		)
		return errx.Wrap(op, err)
	}

	metrics.ClicksTotal.WithLabelValues(outcome).Inc()
	return nil
}

// bump increments the entry for day, adding it when absent. Imported
// histories may be unordered, so the result is re-sorted by date.
func bump(history []model.DailyStat, day string) []model.DailyStat {
	if i := slices.IndexFunc(history, func(s model.DailyStat) bool { return s.Date == day }); i >= 0 {
		history[i].Count++
		return history
	}
	history = append(history, model.DailyStat{Date: day, Count: 1})
	slices.SortStableFunc(history, func(a, b model.DailyStat) int { return strings.Compare(a.Date, b.Date) })
	return history
}

// History returns the link's daily stats whose date falls within [from, to],
// sorted ascending. An empty bound is open.
func (e *Engine) History(ctx context.Context, linkID, from, to string) ([]model.DailyStat, error) {
	const op = "analytics.History"

	for _, bound := range []string{from, to} {
		if bound == "" {
			continue
		}
		if _, err := time.Parse(model.DateLayout, bound); err != nil {
			return nil, errx.E(op, errx.Invalid,
				fmt.Errorf("%w: date %q must be YYYY-MM-DD", model.ErrInvalidFormat, bound))
		}
	}
	if from != "" && to != "" && from > to {
		return nil, errx.E(op, errx.Invalid,
			fmt.Errorf("%w: start date is after end date", model.ErrInvalidFormat))
	}

	link, err := e.link(ctx, op, linkID)
	if err != nil {
		return nil, err
	}

	out := make([]model.DailyStat, 0, len(link.History))
	for _, s := range link.History {
		if from != "" && s.Date < from {
			continue
		}
		if to != "" && s.Date > to {
			continue
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b model.DailyStat) int { return strings.Compare(a.Date, b.Date) })
	return out, nil
}

// Series returns one entry per day for the last days days ending today,
// with zero counts for days without clicks.
func (e *Engine) Series(ctx context.Context, linkID string, days int) ([]model.DailyStat, error) {
	const op = "analytics.Series"

	if days <= 0 || days > MaxSeriesDays {
		return nil, errx.E(op, errx.Invalid,
			fmt.Errorf("%w: days must be between 1 and %d", model.ErrInvalidFormat, MaxSeriesDays))
	}

	link, err := e.link(ctx, op, linkID)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(link.History))
	for _, s := range link.History {
		counts[s.Date] = s.Count
	}

	today := e.now().In(e.location)
	out := make([]model.DailyStat, 0, days)
	for i := days - 1; i >= 0; i-- {
		day := today.AddDate(0, 0, -i).Format(model.DateLayout)
		out = append(out, model.DailyStat{Date: day, Count: counts[day]})
	}
	return out, nil
}

// Summary aggregates the links of creatorID, or every link when creatorID is
// empty.
func (e *Engine) Summary(ctx context.Context, creatorID string) (Summary, error) {
	var links []model.Link
	err := e.store.View(ctx, func(tx *store.Tx) error {
		if creatorID == "" {
			links = tx.Links()
		} else {
			links = tx.LinksByCreator(creatorID)
		}
		return nil
	})
	if err != nil {
		return Summary{}, errx.Wrap("analytics.Summary", err)
	}
	return Summarize(links, e.now()), nil
}

// Summarize aggregates links as of now.
func Summarize(links []model.Link, now time.Time) Summary {
	var s Summary
	for _, l := range links {
		s.TotalLinks++
		s.TotalClicks += l.Clicks
		if l.Expired(now) {
			s.ExpiredLinks++
		} else {
			s.ActiveLinks++
		}
	}
	return s
}

func (e *Engine) link(ctx context.Context, op, id string) (model.Link, error) {
	var (
		link model.Link
		ok   bool
	)
	err := e.store.View(ctx, func(tx *store.Tx) error {
		link, ok = tx.Link(id)
		return nil
	})
	if err != nil {
		return model.Link{}, errx.Wrap(op, err)
	}
	if !ok {
		return model.Link{}, errx.E(op, errx.NotFound, fmt.Errorf("%w: link %q", model.ErrNotFound, id))
	}
	return link, nil
}
