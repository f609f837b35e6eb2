package httpx

import (
	"net/http"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/errx"
)

// ErrorKindToStatus maps errx.Kind to HTTP status codes.
func ErrorKindToStatus(kind errx.Kind) int {
	switch kind {
	case errx.NotFound:
		return http.StatusNotFound
	case errx.Conflict:
		return http.StatusConflict
	case errx.Invalid:
		return http.StatusBadRequest
	case errx.Unauthorized:
		return http.StatusUnauthorized
	case errx.Forbidden:
		return http.StatusForbidden
	case errx.Gone:
		return http.StatusGone
	case errx.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorKindToCode maps errx.Kind to error codes for JSON responses.
func ErrorKindToCode(kind errx.Kind) string {
	switch kind {
	case errx.NotFound:
		return "not_found"
	case errx.Conflict:
		return "conflict"
	case errx.Invalid:
		return "invalid_input"
	case errx.Unauthorized:
		return "unauthorized"
	case errx.Forbidden:
		return "forbidden"
	case errx.Gone:
		return "gone"
	case errx.Unavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}

// WriteKindError writes err as a JSON error whose status and code follow its
// kind. Client errors expose the root cause; server errors get a generic
// message so storage details never leak.
func WriteKindError(w http.ResponseWriter, err error) {
	kind := errx.KindOf(err)
	status := ErrorKindToStatus(kind)

	message := "an unexpected error occurred"
	switch {
	case status == http.StatusServiceUnavailable:
		message = "service temporarily unavailable, please try again"
	case status < http.StatusInternalServerError:
		message = errx.Cause(err).Error()
	}
	WriteError(w, status, ErrorKindToCode(kind), message, nil)
}
