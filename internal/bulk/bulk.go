// Package bulk creates many links at once from a list or a CSV upload.
//
// Each row is independent: a failing row is reported and the rest still
// go through. Rows with an empty url are skipped silently and count neither
// as a success nor as an error.
package bulk

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/errx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/metrics"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/model"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/shortener"
)

// MaxItems bounds a single bulk request.
const MaxItems = 10000

// Item is one requested link. An empty Slug asks for a generated one.
type Item struct {
	URL  string `json:"url"`
	Slug string `json:"slug"`
}

// Result summarises a bulk run. Errors holds one message per failed row.
type Result struct {
	SuccessCount int      `json:"successCount"`
	Errors       []string `json:"errors"`
}

// ParseCSV reads "url,slug" rows with no header. Values are trimmed, blank
// lines are ignored and a missing slug column means "generate one".
// Quoted fields are honoured, so urls containing commas can be quoted.
func ParseCSV(r io.Reader) ([]Item, error) {
	const op = "bulk.ParseCSV"

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true

	var items []Item
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errx.E(op, errx.Invalid, fmt.Errorf("%w: %v", model.ErrInvalidFormat, err))
		}

		item := Item{URL: strings.TrimSpace(record[0])}
		if len(record) > 1 {
			item.Slug = strings.TrimSpace(record[1])
		}
		if item.URL == "" && item.Slug == "" {
			continue
		}
		if len(items) == MaxItems {
			return nil, errx.E(op, errx.Invalid,
				fmt.Errorf("%w: at most %d rows per upload", model.ErrInvalidFormat, MaxItems))
		}
		items = append(items, item)
	}
	return items, nil
}

// Creator is the part of the registry the importer needs.
type Creator interface {
	Create(ctx context.Context, req shortener.CreateLinkRequest) (model.Link, error)
}

type Importer struct {
	links  Creator
	logger *slog.Logger
}

func NewImporter(links Creator, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{links: links, logger: logger}
}

// Create creates one link per item for creatorID, in order. It only returns
// an error when ctx is cancelled; the partial result is returned with it.
func (im *Importer) Create(ctx context.Context, items []Item, creatorID string) (Result, error) {
	res := Result{Errors: []string{}}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return res, errx.Wrap("bulk.Create", err)
		}

		url := strings.TrimSpace(item.URL)
		if url == "" {
			metrics.BulkRowsTotal.WithLabelValues("skipped").Inc()
			continue
		}

		_, err := im.links.Create(ctx, shortener.CreateLinkRequest{
			OriginalURL: url,
			Slug:        strings.TrimSpace(item.Slug),
			CreatorID:   creatorID,
			Source:      metrics.SourceBulk,
		})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("row %d url %q: %v", i+1, url, errx.Cause(err)))
			metrics.BulkRowsTotal.WithLabelValues("error").Inc()
			continue
		}
		res.SuccessCount++
		metrics.BulkRowsTotal.WithLabelValues("ok").Inc()
	}

	im.logger.InfoContext(ctx, "bulk create finished",
		"creator_id", creatorID,
		"rows", len(items),
		"created", res.SuccessCount,
		"failed", len(res.Errors),
	)
	return res, nil
}
