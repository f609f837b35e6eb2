package shortener

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/analytics"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/auth"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/errx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/httpx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/model"
)

// GuestSessionCookie carries the anonymous session id.
const GuestSessionCookie = "guest_session"

// DefaultSeriesDays is the window used by the history endpoint when no
// explicit range is given.
const DefaultSeriesDays = 7

// HTTPCreateLinkRequest represents the JSON request body for creating a link.
type HTTPCreateLinkRequest struct {
	URL     string `json:"url"`
	Slug    string `json:"slug,omitempty"`
	Replace bool   `json:"replace,omitempty"`
}

type HTTPUpdateLinkRequest struct {
	URL  string `json:"url"`
	Slug string `json:"slug"`
}

type HTTPExpiryRequest struct {
	ExpiresAt *time.Time `json:"expiresAt"`
}

// LinkResponse is a link plus its absolute short URL.
type LinkResponse struct {
	model.Link
	ShortURL string `json:"shortUrl"`
}

type GuestLinkResponse struct {
	Link *LinkResponse `json:"link"`
}

// GuestLinks is the anonymous-caller policy.
type GuestLinks interface {
	Current(ctx context.Context, sessionID string) (model.Link, bool, error)
	Create(ctx context.Context, sessionID, originalURL, slug string, replace bool) (model.Link, error)
}

// ClickStats answers analytics queries.
type ClickStats interface {
	History(ctx context.Context, linkID, from, to string) ([]model.DailyStat, error)
	Series(ctx context.Context, linkID string, days int) ([]model.DailyStat, error)
	Summary(ctx context.Context, creatorID string) (analytics.Summary, error)
}

// Handler provides HTTP handlers for the URL shortener service.
type Handler struct {
	service       Service
	guests        GuestLinks
	stats         ClickStats
	logger        *slog.Logger
	baseURL       string
	secureCookies bool
}

// HandlerConfig holds configuration for the handler.
type HandlerConfig struct {
	Service       Service
	Guests        GuestLinks
	Stats         ClickStats
	Logger        *slog.Logger
	BaseURL       string // Base URL for constructing short URLs (e.g., "https://short.ly")
	SecureCookies bool
}

// NewHandler creates a new Handler instance.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		service:       cfg.Service,
		guests:        cfg.Guests,
		stats:         cfg.Stats,
		logger:        logger,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		secureCookies: cfg.SecureCookies,
	}
}

var errNotYourLink = errors.New("only the creator or an admin may manage this link")

// CreateLink handles POST /api/links. Authenticated callers create member
// links; anonymous callers go through the guest policy keyed by a cookie.
func (h *Handler) CreateLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := httpx.DecodeJSON[HTTPCreateLinkRequest](r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	if err := validateCreateRequest(req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
		return
	}

	actor, ok := auth.ActorFrom(ctx)
	if !ok {
		h.createGuestLink(w, r, req)
		return
	}

	link, err := h.service.Create(ctx, CreateLinkRequest{
		OriginalURL: req.URL,
		Slug:        req.Slug,
		CreatorID:   actor.ID,
	})
	if err != nil {
		h.fail(ctx, w, err, "create link failed")
		return
	}

	h.logger.InfoContext(ctx, "link created",
		"request_id", httpx.GetRequestID(ctx),
		"link_id", link.ID,
		"slug", link.Slug,
		"custom_slug", req.Slug != "",
	)
	httpx.WriteJSON(w, http.StatusCreated, h.present(link))
}

func (h *Handler) createGuestLink(w http.ResponseWriter, r *http.Request, req HTTPCreateLinkRequest) {
	ctx := r.Context()

	sessionID := guestSession(r)
	if sessionID == "" {
		sessionID = uuid.NewString()
		h.setGuestCookie(w, sessionID)
	}

	link, err := h.guests.Create(ctx, sessionID, req.URL, req.Slug, req.Replace)
	if errx.Is(err, errx.Conflict) && link.ID != "" {
		h.logger.InfoContext(ctx, "guest link already active",
			"request_id", httpx.GetRequestID(ctx),
			"link_id", link.ID,
		)
		httpx.WriteError(w, http.StatusConflict, "guest_link_exists", errx.Cause(err).Error(),
			map[string]any{
				"link": h.present(link),
				"hint": "Send replace=true to create a new link, or sign in to keep more than one",
			})
		return
	}
	if err != nil {
		h.fail(ctx, w, err, "create guest link failed")
		return
	}

	h.logger.InfoContext(ctx, "guest link created",
		"request_id", httpx.GetRequestID(ctx),
		"link_id", link.ID,
		"slug", link.Slug,
	)
	httpx.WriteJSON(w, http.StatusCreated, h.present(link))
}

// GuestLink handles GET /api/guest/link.
func (h *Handler) GuestLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	link, live, err := h.guests.Current(ctx, guestSession(r))
	if err != nil {
		h.fail(ctx, w, err, "loading guest link failed")
		return
	}
	if !live {
		httpx.WriteJSON(w, http.StatusOK, GuestLinkResponse{})
		return
	}
	resp := h.present(link)
	httpx.WriteJSON(w, http.StatusOK, GuestLinkResponse{Link: &resp})
}

// ListLinks handles GET /api/links. Admins and owners may pass all=true to
// see every link.
func (h *Handler) ListLinks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, err := auth.RequireActor(ctx)
	if err != nil {
		httpx.WriteKindError(w, err)
		return
	}

	var links []model.Link
	if wantAll(r) {
		if _, err := auth.RequirePrivileged(ctx); err != nil {
			httpx.WriteKindError(w, err)
			return
		}
		links, err = h.service.ListAll(ctx)
	} else {
		links, err = h.service.ListByCreator(ctx, actor.ID)
	}
	if err != nil {
		h.fail(ctx, w, err, "listing links failed")
		return
	}

	out := make([]LinkResponse, 0, len(links))
	for _, l := range links {
		out = append(out, h.present(l))
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// UpdateLink handles PUT /api/links/{id}.
func (h *Handler) UpdateLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := h.authorize(r)
	if err != nil {
		h.fail(ctx, w, err, "update link rejected")
		return
	}
	req, err := httpx.DecodeJSON[HTTPUpdateLinkRequest](r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	link, err := h.service.Update(ctx, id, UpdateLinkRequest{Slug: req.Slug, OriginalURL: req.URL})
	if err != nil {
		h.fail(ctx, w, err, "update link failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.present(link))
}

// UpdateExpiry handles PATCH /api/links/{id}/expiry. A null expiresAt makes
// the link permanent.
func (h *Handler) UpdateExpiry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := h.authorize(r)
	if err != nil {
		h.fail(ctx, w, err, "update expiry rejected")
		return
	}
	req, err := httpx.DecodeJSON[HTTPExpiryRequest](r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	link, err := h.service.UpdateExpiry(ctx, id, req.ExpiresAt)
	if err != nil {
		h.fail(ctx, w, err, "update expiry failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.present(link))
}

// DeleteLink handles DELETE /api/links/{id}. Deleting a link that no longer
// exists succeeds.
func (h *Handler) DeleteLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := h.authorize(r)
	if errx.Is(err, errx.NotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		h.fail(ctx, w, err, "delete link rejected")
		return
	}
	if err := h.service.Delete(ctx, id); err != nil {
		h.fail(ctx, w, err, "delete link failed")
		return
	}

	h.logger.InfoContext(ctx, "link deleted",
		"request_id", httpx.GetRequestID(ctx),
		"link_id", id,
	)
	w.WriteHeader(http.StatusNoContent)
}

// LinkHistory handles GET /api/links/{id}/history. With from and to it
// returns the recorded days in that range; otherwise a zero-filled series
// of the last days days (default 7).
func (h *Handler) LinkHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := h.authorize(r)
	if err != nil {
		h.fail(ctx, w, err, "history rejected")
		return
	}

	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")

	var history []model.DailyStat
	if from != "" || to != "" {
		history, err = h.stats.History(ctx, id, from, to)
	} else {
		days := DefaultSeriesDays
		if raw := q.Get("days"); raw != "" {
			days, err = strconv.Atoi(raw)
			if err != nil {
				httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "days must be a number", nil)
				return
			}
		}
		history, err = h.stats.Series(ctx, id, days)
	}
	if err != nil {
		h.fail(ctx, w, err, "loading history failed")
		return
	}
	if history == nil {
		history = []model.DailyStat{}
	}
	httpx.WriteJSON(w, http.StatusOK, history)
}

// Stats handles GET /api/links/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, err := auth.RequireActor(ctx)
	if err != nil {
		httpx.WriteKindError(w, err)
		return
	}

	creatorID := actor.ID
	if wantAll(r) {
		if _, err := auth.RequirePrivileged(ctx); err != nil {
			httpx.WriteKindError(w, err)
			return
		}
		creatorID = ""
	}

	summary, err := h.stats.Summary(ctx, creatorID)
	if err != nil {
		h.fail(ctx, w, err, "loading stats failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, summary)
}

// ResolveLink handles GET /{slug}: 302 to the destination, 404 for unknown
// slugs and 410 for expired links.
func (h *Handler) ResolveLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slug := r.PathValue("slug")

	logger := h.logger.With(
		"request_id", httpx.GetRequestID(ctx),
		"slug", slug,
	)

	if err := validateSlugFormat(slug); err != nil {
		logger.WarnContext(ctx, "invalid slug format", "error", err.Error())
		httpx.WriteError(w, http.StatusNotFound, "not_found", "short link doesn't exist", nil)
		return
	}

	link, err := h.service.Resolve(ctx, slug)
	if err != nil {
		h.handleResolveError(ctx, w, err, slug)
		return
	}

	logger.InfoContext(ctx, "slug resolved",
		"link_id", link.ID,
		"user_agent", r.UserAgent(),
		"referer", r.Referer(),
	)
	http.Redirect(w, r, link.OriginalURL, http.StatusFound)
}

// handleResolveError handles errors from the Resolve service method.
func (h *Handler) handleResolveError(ctx context.Context, w http.ResponseWriter, err error, slug string) {
	kind := errx.KindOf(err)

	logAttrs := []any{
		"error", err.Error(),
		"error_kind", kind,
		"operation", errx.OpOf(err),
		"slug", slug,
	}

	switch kind {
	case errx.NotFound:
		h.logger.WarnContext(ctx, "slug not found", logAttrs...)
		httpx.WriteError(w, http.StatusNotFound, "not_found",
			"short link doesn't exist", nil)

	case errx.Gone:
		h.logger.InfoContext(ctx, "expired link requested", logAttrs...)
		httpx.WriteError(w, http.StatusGone, "gone",
			"this short link has expired", nil)

	default:
		h.logger.ErrorContext(ctx, "unexpected error resolving link", logAttrs...)
		httpx.WriteKindError(w, err)
	}
}

// authorize loads the {id} link and checks the caller may manage it.
func (h *Handler) authorize(r *http.Request) (string, error) {
	const op = "shortener.Handler.authorize"
	ctx := r.Context()

	actor, err := auth.RequireActor(ctx)
	if err != nil {
		return "", err
	}
	id := r.PathValue("id")
	link, err := h.service.GetByID(ctx, id)
	if err != nil {
		return "", errx.Wrap(op, err)
	}
	if !actor.CanManageLink(link) {
		return "", errx.E(op, errx.Forbidden, errNotYourLink)
	}
	return link.ID, nil
}

// fail logs err at a level matching its kind and writes the response.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	kind := errx.KindOf(err)
	attrs := []any{
		"request_id", httpx.GetRequestID(ctx),
		"error", err.Error(),
		"error_kind", kind,
		"operation", errx.OpOf(err),
	}

	if httpx.ErrorKindToStatus(kind) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, attrs...)
	} else {
		h.logger.WarnContext(ctx, msg, attrs...)
	}
	httpx.WriteKindError(w, err)
}

func (h *Handler) present(l model.Link) LinkResponse {
	return LinkResponse{Link: l, ShortURL: h.baseURL + "/" + l.Slug}
}

func (h *Handler) setGuestCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     GuestSessionCookie,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(GuestLinkTTL / time.Second),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func guestSession(r *http.Request) string {
	c, err := r.Cookie(GuestSessionCookie)
	if err != nil {
		return ""
	}
	return c.Value
}

func wantAll(r *http.Request) bool {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	return all
}

// validateCreateRequest validates the HTTPCreateLinkRequest.
func validateCreateRequest(req HTTPCreateLinkRequest) error {
	if strings.TrimSpace(req.URL) == "" {
		return errors.New("url is required")
	}
	return nil
}

// validateSlugFormat is a cheap check on path slugs before touching the store.
func validateSlugFormat(slug string) error {
	if slug == "" || len(slug) > MaxSlugLength {
		return errors.New("invalid link")
	}
	return nil
}
