package bulk

import (
	"bytes"
	"context"
	"log/slog"
	"mime"
	"net/http"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/auth"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/errx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/httpx"
)

// Runner is what the handler needs from Importer.
type Runner interface {
	Create(ctx context.Context, items []Item, creatorID string) (Result, error)
}

type Handler struct {
	runner Runner
	logger *slog.Logger
}

func NewHandler(runner Runner, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{runner: runner, logger: logger}
}

// Create handles POST /api/links/bulk. The body is CSV ("url,slug" per
// line) or, with a JSON content type, an array of {url, slug} objects.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, err := auth.RequireActor(ctx)
	if err != nil {
		httpx.WriteKindError(w, err)
		return
	}

	items, err := readItems(r)
	if err != nil {
		if errx.KindOf(err) == errx.Unknown {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
			return
		}
		httpx.WriteKindError(w, err)
		return
	}

	res, err := h.runner.Create(ctx, items, actor.ID)
	if err != nil {
		h.logger.WarnContext(ctx, "bulk create interrupted",
			"request_id", httpx.GetRequestID(ctx),
			"created", res.SuccessCount,
			"error", err.Error(),
		)
		httpx.WriteKindError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func readItems(r *http.Request) ([]Item, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		return httpx.DecodeJSON[[]Item](r)
	}

	raw, err := httpx.ReadBody(r, httpx.MaxUploadSize)
	if err != nil {
		return nil, err
	}
	return ParseCSV(bytes.NewReader(raw))
}
