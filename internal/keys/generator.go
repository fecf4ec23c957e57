package keys

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxAttempts bounds GenerateUnique when the caller does not choose a cap.
const DefaultMaxAttempts = 16

var (
	// ErrKeySpaceExhausted indicates that every candidate key drawn within the attempt cap was already taken.
	ErrKeySpaceExhausted = errors.New("keys: key space exhausted")
	// ErrRandomnessUnavailable indicates that the randomness source failed.
	ErrRandomnessUnavailable = errors.New("keys: randomness unavailable")
)

// Source produces candidate keys.
type Source interface {
	NewKey() (string, error)
}

// Checker reports whether a key is currently held by a live record.
type Checker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, key string) (bool, error)

// Exists calls f.
func (f CheckerFunc) Exists(ctx context.Context, key string) (bool, error) {
	return f(ctx, key)
}

// RandomSource draws fixed-length keys uniformly from Alphabet.
type RandomSource struct {
	length int
	reader io.Reader
}

// NewRandomSource constructs a Source backed by crypto/rand.
func NewRandomSource() *RandomSource {
	return &RandomSource{length: Length, reader: rand.Reader}
}

// largest multiple of len(Alphabet) that fits in a byte; bytes at or above it are rejected
// so every character stays equally likely.
var rejectionThreshold = byte(256 - 256%len(Alphabet))

// NewKey returns a fresh random key.
func (s *RandomSource) NewKey() (string, error) {
	output := make([]byte, 0, s.length)
	buffer := make([]byte, s.length*2)
	for len(output) < s.length {
		if _, err := io.ReadFull(s.reader, buffer); err != nil {
			return "", fmt.Errorf("%w: %w", ErrRandomnessUnavailable, err)
		}
		for _, value := range buffer {
			if value >= rejectionThreshold {
				continue
			}
			output = append(output, Alphabet[int(value)%len(Alphabet)])
			if len(output) == s.length {
				break
			}
		}
	}
	return string(output), nil
}

// GenerateUnique draws keys from source until checker reports one as free.
// It gives up with ErrKeySpaceExhausted after maxAttempts candidates; a
// non-positive cap falls back to DefaultMaxAttempts.
func GenerateUnique(ctx context.Context, source Source, checker Checker, maxAttempts int) (RootKey, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		candidate, err := source.NewKey()
		if err != nil {
			return "", err
		}
		root, err := NewRootKey(candidate)
		if err != nil {
			return "", err
		}
		taken, err := checker.Exists(ctx, root.String())
		if err != nil {
			return "", err
		}
		if !taken {
			return root, nil
		}
	}
	return "", fmt.Errorf("%w after %d attempts", ErrKeySpaceExhausted, maxAttempts)
}
