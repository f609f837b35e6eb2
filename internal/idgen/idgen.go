package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator generates unique opaque identifiers.
// Implementations should be safe for concurrent use.
type Generator interface {
	Generate() (string, error)
}

// Version selects a UUID variant.
type Version uint8

const (
	V4 Version = 4
	V7 Version = 7
)

type options struct {
	prefix     string
	maxRetries int
}

type Option func(*options)

// WithPrefix prepends p to every generated id, e.g. "link-".
func WithPrefix(p string) Option {
	return func(o *options) { o.prefix = p }
}

// WithRetries sets how many times to retry uuid.NewV7() after the initial attempt.
// Defaults to 1. Set to 0 to disable retries. Ignored for V4.
func WithRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{maxRetries: 1}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

/***************
 * UUID v4
 ***************/

type v4Gen struct {
	prefix string
}

// NewV4 returns a Generator that produces random UUID v4 ids.
func NewV4(opts ...Option) Generator {
	return v4Gen{prefix: buildOptions(opts).prefix}
}

func (g v4Gen) Generate() (string, error) {
	return g.prefix + uuid.NewString(), nil
}

/***************
 * UUID v7
 ***************/

type v7Gen struct {
	options
}

// NewV7 returns a Generator that produces time-ordered UUID v7 ids, so ids
// sort in generation order.
func NewV7(opts ...Option) Generator {
	return &v7Gen{options: buildOptions(opts)}
}

func (g *v7Gen) Generate() (string, error) {
	var last error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		id, err := uuid.NewV7()
		if err == nil {
			return g.prefix + id.String(), nil
		}
		last = err
	}
	return "", fmt.Errorf("uuid v7 generation failed after %d attempts: %w", g.maxRetries+1, last)
}

// New returns a Generator for the requested UUID version.
func New(v Version, opts ...Option) Generator {
	switch v {
	case V7:
		return NewV7(opts...)
	default:
		return NewV4(opts...)
	}
}
