package backup

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/auth"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/errx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/httpx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/model"
)

// Backups is what the handler needs from Service.
type Backups interface {
	Export(ctx context.Context) (model.Snapshot, error)
	Import(ctx context.Context, raw []byte) error
}

type Handler struct {
	backups Backups
	now     func() time.Time
	logger  *slog.Logger
}

func NewHandler(backups Backups, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{backups: backups, now: time.Now, logger: logger}
}

// Export handles GET /api/admin/export.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, err := auth.RequirePrivileged(ctx)
	if err != nil {
		httpx.WriteKindError(w, err)
		return
	}
	snap, err := h.backups.Export(ctx)
	if err != nil {
		h.fail(ctx, w, err, "export failed")
		return
	}

	h.logger.InfoContext(ctx, "snapshot exported",
		"request_id", httpx.GetRequestID(ctx),
		"actor_id", actor.ID,
		"users", len(snap.Users),
		"links", len(snap.Links),
	)
	httpx.WriteAttachment(w, "shortlink-backup-"+h.now().Format(model.DateLayout)+".json", snap)
}

// Import handles POST /api/admin/import.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, err := auth.RequirePrivileged(ctx)
	if err != nil {
		httpx.WriteKindError(w, err)
		return
	}
	raw, err := httpx.ReadBody(r, httpx.MaxUploadSize)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	if err := h.backups.Import(ctx, raw); err != nil {
		h.fail(ctx, w, err, "import failed")
		return
	}

	h.logger.WarnContext(ctx, "store replaced from snapshot",
		"request_id", httpx.GetRequestID(ctx),
		"actor_id", actor.ID,
	)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"message": "import completed"})
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	kind := errx.KindOf(err)
	attrs := []any{
		"request_id", httpx.GetRequestID(ctx),
		"error", err.Error(),
		"error_kind", kind,
	}
	if httpx.ErrorKindToStatus(kind) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, attrs...)
	} else {
		h.logger.WarnContext(ctx, msg, attrs...)
	}
	httpx.WriteKindError(w, err)
}
