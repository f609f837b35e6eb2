// Package guest limits anonymous callers to one live short link per browser
// session.
//
// The limit is advisory: it is keyed by a client-held session id, so a
// caller who discards the id can create another link. Guest links always
// expire 24 hours after creation.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/errx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/model"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/shortener"
)

// ErrGuestLinkExists is returned when the session already has a live link
// and the caller did not ask to replace it.
var ErrGuestLinkExists = errors.New("this session already has an active guest link")

var errNoSession = fmt.Errorf("%w: guest session id is required", model.ErrInvalidFormat)

// Links is the part of the registry the policy needs.
type Links interface {
	Create(ctx context.Context, req shortener.CreateLinkRequest) (model.Link, error)
	GetByID(ctx context.Context, id string) (model.Link, error)
}

type Policy struct {
	links    Links
	sessions SessionStore
	now      func() time.Time
	logger   *slog.Logger
}

// PolicyConfig holds optional settings.
type PolicyConfig struct {
	Now    func() time.Time
	Logger *slog.Logger
}

func NewPolicy(links Links, sessions SessionStore, cfg *PolicyConfig) *Policy {
	if cfg == nil {
		cfg = &PolicyConfig{}
	}
	p := &Policy{links: links, sessions: sessions, now: cfg.Now, logger: cfg.Logger}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Current returns the live guest link of the session, if any. Links that
// were deleted or have expired are forgotten.
func (p *Policy) Current(ctx context.Context, sessionID string) (model.Link, bool, error) {
	const op = "guest.Current"

	if sessionID == "" {
		return model.Link{}, false, nil
	}

	linkID, ok, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return model.Link{}, false, errx.E(op, errx.Unavailable, err)
	}
	if !ok {
		return model.Link{}, false, nil
	}

	link, err := p.links.GetByID(ctx, linkID)
	if errx.Is(err, errx.NotFound) {
		p.forget(ctx, sessionID)
		return model.Link{}, false, nil
	}
	if err != nil {
		return model.Link{}, false, errx.Wrap(op, err)
	}
	if link.Expired(p.now()) {
		p.forget(ctx, sessionID)
		return model.Link{}, false, nil
	}
	return link, true, nil
}

// Create makes a guest link for the session. When the session already has a
// live link the call fails with ErrGuestLinkExists unless replace is set, in
// which case the old link is abandoned and stays routable until it expires.
func (p *Policy) Create(ctx context.Context, sessionID, originalURL, slug string, replace bool) (model.Link, error) {
	const op = "guest.Create"

	if sessionID == "" {
		return model.Link{}, errx.E(op, errx.Invalid, errNoSession)
	}

	current, live, err := p.Current(ctx, sessionID)
	if err != nil {
		return model.Link{}, errx.Wrap(op, err)
	}
	if live && !replace {
		return current, errx.E(op, errx.Conflict, ErrGuestLinkExists)
	}

	link, err := p.links.Create(ctx, shortener.CreateLinkRequest{
		OriginalURL: originalURL,
		Slug:        slug,
		CreatorID:   model.GuestCreatorID,
	})
	if err != nil {
		return model.Link{}, errx.Wrap(op, err)
	}

	ttl := shortener.GuestLinkTTL
	if link.ExpiresAt != nil {
		ttl = link.ExpiresAt.Sub(p.now())
	}
	if err := p.sessions.Set(ctx, sessionID, link.ID, ttl); err != nil {
		// The link exists; only the per-session limit is lost.
		p.logger.WarnContext(ctx, "guest session not saved",
			"link_id", link.ID,
			"error", err.Error(),
		)
	}

	if live {
		p.logger.InfoContext(ctx, "guest link replaced",
			"old_link_id", current.ID,
			"new_link_id", link.ID,
		)
	}
	return link, nil
}

func (p *Policy) forget(ctx context.Context, sessionID string) {
	if err := p.sessions.Delete(ctx, sessionID); err != nil {
		p.logger.WarnContext(ctx, "dropping stale guest session failed", "error", err.Error())
	}
}
