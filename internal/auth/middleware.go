package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/errx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/httpx"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/model"
)

type contextKey string

const actorContextKey contextKey = "actor"

// UserLookup resolves the user behind a token.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (model.User, error)
}

// WithActor stores a in ctx.
func WithActor(ctx context.Context, a model.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, a)
}

// ActorFrom returns the authenticated actor, if any.
func ActorFrom(ctx context.Context) (model.Actor, bool) {
	a, ok := ctx.Value(actorContextKey).(model.Actor)
	return a, ok
}

// Middleware authenticates requests carrying "Authorization: Bearer".
// Requests without the header pass through anonymously; a bad token or a
// token for a deleted user is rejected with 401. The actor's role is always
// taken from the store so demotions apply immediately.
func Middleware(issuer *Issuer, users UserLookup, logger *slog.Logger) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "authorization header must be a bearer token", nil)
				return
			}

			claims, err := issuer.Parse(token)
			if err != nil {
				logger.WarnContext(ctx, "rejected bearer token",
					"request_id", httpx.GetRequestID(ctx),
					"error", err.Error(),
				)
				httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", ErrInvalidToken.Error(), nil)
				return
			}

			user, err := users.GetUser(ctx, claims.UserID)
			if err != nil {
				if errx.Is(err, errx.NotFound) {
					httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "account no longer exists", nil)
					return
				}
				logger.ErrorContext(ctx, "loading token user failed",
					"request_id", httpx.GetRequestID(ctx),
					"user_id", claims.UserID,
					"error", err.Error(),
				)
				httpx.WriteKindError(w, err)
				return
			}

			ctx = WithActor(ctx, model.Actor{ID: user.ID, Role: user.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

var (
	errLoginRequired = errors.New("login required")
	errAdminRequired = errors.New("admin or owner role required")
)

// RequireActor returns the authenticated actor or an Unauthorized error.
func RequireActor(ctx context.Context) (model.Actor, error) {
	a, ok := ActorFrom(ctx)
	if !ok {
		return model.Actor{}, errx.E("auth.RequireActor", errx.Unauthorized, errLoginRequired)
	}
	return a, nil
}

// RequirePrivileged returns the actor when it is an admin or owner.
func RequirePrivileged(ctx context.Context) (model.Actor, error) {
	a, err := RequireActor(ctx)
	if err != nil {
		return model.Actor{}, err
	}
	if !a.Role.Privileged() {
		return model.Actor{}, errx.E("auth.RequirePrivileged", errx.Forbidden, errAdminRequired)
	}
	return a, nil
}
