package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const (
	// MaxRequestBodySize is the default body limit for JSON requests (1MB).
	MaxRequestBodySize = 1 << 20

	// MaxUploadSize bounds CSV uploads and snapshot imports (32MB).
	MaxUploadSize = 32 << 20
)

// DecodeJSON decodes a single JSON object from the request body, rejecting
// unknown fields and bodies above MaxRequestBodySize.
func DecodeJSON[T any](r *http.Request) (T, error) {
	var zeroValue T

	r.Body = http.MaxBytesReader(nil, r.Body, MaxRequestBodySize)
	defer func() {
		_ = r.Body.Close()
	}()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	var v T
	if err := decoder.Decode(&v); err != nil {
		return zeroValue, describeDecodeError(err, MaxRequestBodySize)
	}

	if decoder.More() {
		return zeroValue, errors.New("request body contains multiple JSON objects")
	}
	return v, nil
}

// ReadBody returns the whole request body, failing when it is empty or
// larger than limit bytes.
func ReadBody(r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, limit)
	defer func() {
		_ = r.Body.Close()
	}()

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, describeDecodeError(err, limit)
	}
	if len(data) == 0 {
		return nil, errors.New("request body is empty")
	}
	return data, nil
}

func describeDecodeError(err error, limit int64) error {
	var syntaxErr *json.SyntaxError
	var unmarshalErr *json.UnmarshalTypeError
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.As(err, &syntaxErr):
		return fmt.Errorf("malformed JSON at position %d", syntaxErr.Offset)
	case errors.As(err, &unmarshalErr):
		return fmt.Errorf("invalid value for field %q", unmarshalErr.Field)
	case errors.As(err, &maxBytesErr):
		return fmt.Errorf("request body too large (max %d bytes)", limit)
	case errors.Is(err, io.EOF):
		return errors.New("request body is empty")
	default:
		return fmt.Errorf("failed to decode JSON: %w", err)
	}
}
