// Package sluggen provides random slug generation for short links.
// Generators are safe for concurrent use.
package sluggen

import (
	"crypto/rand"
	"errors"
)

const (
	base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	base36Chars = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// Generator generates URL slugs.
// Implementations should be safe for concurrent use.
type Generator interface {
	Generate(length int) (string, error)
}

// alphabetGenerator draws characters uniformly from a fixed alphabet.
type alphabetGenerator struct {
	chars string
	// limit is the largest multiple of len(chars) that fits in a byte;
	// bytes at or above it are rejected to avoid modulo bias.
	limit int
}

func newAlphabet(chars string) Generator {
	return &alphabetGenerator{
		chars: chars,
		limit: 256 - 256%len(chars),
	}
}

// NewBase62 returns a generator over [0-9A-Za-z].
func NewBase62() Generator {
	return newAlphabet(base62Chars)
}

// NewBase36 returns a generator over [0-9a-z], for slugs that survive
// case-folding channels such as printed QR codes.
func NewBase36() Generator {
	return newAlphabet(base36Chars)
}

// Generate returns a random slug of exactly length characters.
func (g *alphabetGenerator) Generate(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("length must be positive")
	}

	out := make([]byte, 0, length)
	buf := make([]byte, length+length/2)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= g.limit {
				continue
			}
			out = append(out, g.chars[int(b)%len(g.chars)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
