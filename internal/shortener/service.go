package shortener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/errx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/idgen"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/metrics"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/model"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/store"
	"github.com/HyotekiMakoto/Short-Link-URL/sluggen"
)

const (
	DefaultSlugLength     = 6
	MaxSlugLength         = 64
	MinSlugLength         = 3
	MaxURLLength          = 2048
	DefaultSlugMaxRetries = 5

	// GuestLinkTTL is how long a link created by a guest stays live.
	GuestLinkTTL = 24 * time.Hour
)

// ErrLinkExpired is returned by Resolve for links past their expiry.
var ErrLinkExpired = errors.New("link has expired")

// CreateLinkRequest represents the parameters for creating a new link.
type CreateLinkRequest struct {
	OriginalURL string
	Slug        string // Optional: if empty, a slug will be generated
	CreatorID   string // model.GuestCreatorID for anonymous callers
	ExpiresAt   *time.Time
	Source      string // metrics label, defaults from CreatorID
}

// UpdateLinkRequest replaces the slug and destination of a link.
type UpdateLinkRequest struct {
	Slug        string
	OriginalURL string
}

// Service defines the business logic operations for URL shortening.
type Service interface {
	Create(ctx context.Context, req CreateLinkRequest) (model.Link, error)
	Update(ctx context.Context, id string, req UpdateLinkRequest) (model.Link, error)
	UpdateExpiry(ctx context.Context, id string, expiresAt *time.Time) (model.Link, error)
	Delete(ctx context.Context, id string) error
	GetBySlug(ctx context.Context, slug string) (model.Link, error)
	GetByID(ctx context.Context, id string) (model.Link, error)
	ListByCreator(ctx context.Context, creatorID string) ([]model.Link, error)
	ListAll(ctx context.Context) ([]model.Link, error)
	Resolve(ctx context.Context, slug string) (model.Link, error)
}

// Store is the subset of *store.Store the registry needs.
type Store interface {
	View(ctx context.Context, fn func(tx *store.Tx) error) error
	Update(ctx context.Context, fn func(tx *store.Tx) error) error
}

// ClickRecorder counts a successful resolution.
type ClickRecorder interface {
	RecordClick(ctx context.Context, linkID string) error
}

// service implements the Service interface.
type service struct {
	store          Store
	clicks         ClickRecorder
	ids            idgen.Generator
	slugGenerator  sluggen.Generator
	slugLength     int
	slugMaxRetries int
	now            func() time.Time
	logger         *slog.Logger
}

// ServiceConfig holds configuration for the service.
type ServiceConfig struct {
	Clicks         ClickRecorder
	IDGenerator    idgen.Generator
	SlugGenerator  sluggen.Generator
	SlugLength     int
	SlugMaxRetries int // attempts when generating a unique slug (default: 5)
	Now            func() time.Time
	Logger         *slog.Logger
}

// NewService creates a new service instance.
func NewService(st Store, config *ServiceConfig) Service {
	if config == nil {
		config = &ServiceConfig{}
	}

	ids := config.IDGenerator
	if ids == nil {
		ids = idgen.NewV7(idgen.WithPrefix("link-"), idgen.WithRetries(1))
	}

	slugGen := config.SlugGenerator
	if slugGen == nil {
		slugGen = sluggen.NewBase62()
	}

	slugLength := config.SlugLength
	if slugLength < MinSlugLength || slugLength > MaxSlugLength {
		slugLength = DefaultSlugLength
	}

	retries := config.SlugMaxRetries
	if retries <= 0 {
		retries = DefaultSlugMaxRetries
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &service{
		store:          st,
		clicks:         config.Clicks,
		ids:            ids,
		slugGenerator:  slugGen,
		slugLength:     slugLength,
		slugMaxRetries: retries,
		now:            now,
		logger:         logger,
	}
}

// Create creates a new short link. Guest links always expire GuestLinkTTL
// after creation, whatever the request says.
func (s *service) Create(ctx context.Context, req CreateLinkRequest) (model.Link, error) {
	const op = "shortener.service.Create"

	req.OriginalURL = strings.TrimSpace(req.OriginalURL)
	req.Slug = strings.TrimSpace(req.Slug)

	if err := validateURL(req.OriginalURL); err != nil {
		return model.Link{}, errx.E(op, errx.Invalid, err)
	}
	if req.Slug != "" {
		if err := validateSlug(req.Slug); err != nil {
			return model.Link{}, errx.E(op, errx.Invalid, err)
		}
	}
	if req.CreatorID == "" {
		return model.Link{}, errx.E(op, errx.Invalid,
			fmt.Errorf("%w: creator is required", model.ErrInvalidFormat))
	}

	id, err := s.ids.Generate()
	if err != nil {
		return model.Link{}, errx.E(op, errx.Unavailable, err)
	}

	now := s.now()
	link := model.Link{
		ID:          id,
		OriginalURL: req.OriginalURL,
		Slug:        req.Slug,
		CreatorID:   req.CreatorID,
		CreatedAt:   now,
		ExpiresAt:   req.ExpiresAt,
		History:     []model.DailyStat{},
	}
	if link.IsGuest() {
		expires := now.Add(GuestLinkTTL)
		link.ExpiresAt = &expires
	}

	err = s.store.Update(ctx, func(tx *store.Tx) error {
		if link.Slug != "" {
			return tx.PutLink(link)
		}
		slug, err := s.freeSlug(tx)
		if err != nil {
			return err
		}
		link.Slug = slug
		return tx.PutLink(link)
	})
	if err != nil {
		return model.Link{}, errx.Wrap(op, err)
	}

	source := req.Source
	if source == "" {
		source = metrics.SourceMember
		if link.IsGuest() {
			source = metrics.SourceGuest
		}
	}
	metrics.LinksCreatedTotal.WithLabelValues(source).Inc()

	return link, nil
}

// freeSlug draws generated slugs until one is unused. It runs under the
// writer lock, so the slug it returns cannot be claimed before PutLink.
func (s *service) freeSlug(tx *store.Tx) (string, error) {
	const op = "shortener.service.freeSlug"

	for range s.slugMaxRetries {
		slug, err := s.slugGenerator.Generate(s.slugLength)
		if err != nil {
			return "", errx.E(op, errx.Unavailable, err)
		}
		if _, taken := tx.LinkBySlug(slug); !taken {
			return slug, nil
		}
	}
	return "", errx.E(op, errx.Conflict,
		fmt.Errorf("%w: could not generate unique slug after %d attempts", model.ErrSlugTaken, s.slugMaxRetries))
}

// Update replaces the slug and destination. Clicks, history, creator and
// expiry are kept.
func (s *service) Update(ctx context.Context, id string, req UpdateLinkRequest) (model.Link, error) {
	const op = "shortener.service.Update"

	req.OriginalURL = strings.TrimSpace(req.OriginalURL)
	req.Slug = strings.TrimSpace(req.Slug)

	if err := validateURL(req.OriginalURL); err != nil {
		return model.Link{}, errx.E(op, errx.Invalid, err)
	}
	if err := validateSlug(req.Slug); err != nil {
		return model.Link{}, errx.E(op, errx.Invalid, err)
	}

	var updated model.Link
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		link, ok := tx.Link(id)
		if !ok {
			return notFound(op, id)
		}
		link.Slug = req.Slug
		link.OriginalURL = req.OriginalURL
		updated = link
		return tx.PutLink(link)
	})
	if err != nil {
		return model.Link{}, errx.Wrap(op, err)
	}
	return updated, nil
}

// UpdateExpiry sets or clears the expiry. A nil expiresAt makes the link
// permanent.
func (s *service) UpdateExpiry(ctx context.Context, id string, expiresAt *time.Time) (model.Link, error) {
	const op = "shortener.service.UpdateExpiry"

	var updated model.Link
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		link, ok := tx.Link(id)
		if !ok {
			return notFound(op, id)
		}
		link.ExpiresAt = expiresAt
		updated = link
		return tx.PutLink(link)
	})
	if err != nil {
		return model.Link{}, errx.Wrap(op, err)
	}
	return updated, nil
}

// Delete removes the link. Deleting an unknown id succeeds.
func (s *service) Delete(ctx context.Context, id string) error {
	const op = "shortener.service.Delete"

	if id == "" {
		return errx.E(op, errx.Invalid, invalid("id cannot be empty"))
	}

	err := s.store.Update(ctx, func(tx *store.Tx) error {
		return tx.DeleteLink(id)
	})
	return errx.Wrap(op, err)
}

func (s *service) GetBySlug(ctx context.Context, slug string) (model.Link, error) {
	const op = "shortener.service.GetBySlug"

	if slug == "" {
		return model.Link{}, errx.E(op, errx.Invalid, invalid("slug cannot be empty"))
	}

	var (
		link model.Link
		ok   bool
	)
	err := s.store.View(ctx, func(tx *store.Tx) error {
		link, ok = tx.LinkBySlug(slug)
		return nil
	})
	if err != nil {
		return model.Link{}, errx.Wrap(op, err)
	}
	if !ok {
		return model.Link{}, errx.E(op, errx.NotFound, fmt.Errorf("%w: slug %q", model.ErrNotFound, slug))
	}
	return link, nil
}

func (s *service) GetByID(ctx context.Context, id string) (model.Link, error) {
	const op = "shortener.service.GetByID"

	var (
		link model.Link
		ok   bool
	)
	err := s.store.View(ctx, func(tx *store.Tx) error {
		link, ok = tx.Link(id)
		return nil
	})
	if err != nil {
		return model.Link{}, errx.Wrap(op, err)
	}
	if !ok {
		return model.Link{}, notFound(op, id)
	}
	return link, nil
}

func (s *service) ListByCreator(ctx context.Context, creatorID string) ([]model.Link, error) {
	var links []model.Link
	err := s.store.View(ctx, func(tx *store.Tx) error {
		links = tx.LinksByCreator(creatorID)
		return nil
	})
	if err != nil {
		return nil, errx.Wrap("shortener.service.ListByCreator", err)
	}
	return links, nil
}

func (s *service) ListAll(ctx context.Context) ([]model.Link, error) {
	var links []model.Link
	err := s.store.View(ctx, func(tx *store.Tx) error {
		links = tx.Links()
		return nil
	})
	if err != nil {
		return nil, errx.Wrap("shortener.service.ListAll", err)
	}
	return links, nil
}

// Resolve looks up slug for a redirect. Expired links fail with Gone and are
// not counted. A click that cannot be recorded is logged and the redirect
// still succeeds.
func (s *service) Resolve(ctx context.Context, slug string) (model.Link, error) {
	const op = "shortener.service.Resolve"

	link, err := s.GetBySlug(ctx, slug)
	if err != nil {
		return model.Link{}, errx.Wrap(op, err)
	}
	if link.Expired(s.now()) {
		return link, errx.E(op, errx.Gone, fmt.Errorf("%w: slug %q", ErrLinkExpired, slug))
	}

	if s.clicks != nil {
		if err := s.clicks.RecordClick(ctx, link.ID); err != nil {
			s.logger.WarnContext(ctx, "click not recorded",
				"slug", slug,
				"link_id", link.ID,
				"error", err.Error(),
			)
		}
	}
	return link, nil
}

func notFound(op, id string) error {
	return errx.E(op, errx.NotFound, fmt.Errorf("%w: link %q", model.ErrNotFound, id))
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", model.ErrInvalidFormat, msg)
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return invalid("url cannot be empty")
	}
	if len(rawURL) > MaxURLLength {
		return invalid("url too long (max 2048 characters)")
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return invalid("invalid url format")
	}
	if parsedURL.Scheme == "" {
		return invalid("url must include scheme (http or https)")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return invalid("url scheme must be http or https")
	}
	if parsedURL.Host == "" {
		return invalid("url must include host")
	}
	return nil
}

func validateSlug(slug string) error {
	if slug == "" {
		return invalid("slug cannot be empty")
	}
	if len(slug) < MinSlugLength {
		return invalid("slug too short (minimum 3 characters)")
	}
	if len(slug) > MaxSlugLength {
		return invalid("slug too long (maximum 64 characters)")
	}

	if strings.HasPrefix(slug, "-") || strings.HasPrefix(slug, "_") ||
		strings.HasSuffix(slug, "-") || strings.HasSuffix(slug, "_") {
		return invalid("slug cannot start or end with dash or underscore")
	}

	for _, char := range slug {
		if !isValidSlugChar(char) {
			return invalid("slug contains invalid characters (only alphanumeric, dash, and underscore allowed)")
		}
	}
	return nil
}

func isValidSlugChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	default:
		return false
	}
}
