package keys

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Length is the number of characters in a generated key.
	Length = 6
	// Separator joins a root key and a suffix into a composite key. It never
	// appears in Alphabet.
	Separator = ":"
	// Alphabet lists the characters a generated key is drawn from.
	Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	maxKeyLength = 64
)

var (
	// ErrInvalidRootKey indicates that a root key is empty, too long, or contains characters outside Alphabet.
	ErrInvalidRootKey = errors.New("keys: invalid root key")
	// ErrInvalidCompositeKey indicates that a value is not of the form root + Separator + suffix.
	ErrInvalidCompositeKey = errors.New("keys: invalid composite key")
)

// RootKey identifies a question set.
type RootKey string

// NewRootKey validates raw input and returns a RootKey.
func NewRootKey(rawInput string) (RootKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	if err := validateSegment(trimmed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRootKey, err)
	}
	return RootKey(trimmed), nil
}

// String returns the underlying string identifier.
func (k RootKey) String() string {
	return string(k)
}

// CompositeKey identifies one vote batch stored under a root key.
type CompositeKey string

// String returns the underlying string identifier.
func (k CompositeKey) String() string {
	return string(k)
}

// Root returns the parent root key.
func (k CompositeKey) Root() RootKey {
	root, _, _ := strings.Cut(string(k), Separator)
	return RootKey(root)
}

// Suffix returns the per-batch part of the key.
func (k CompositeKey) Suffix() string {
	_, suffix, _ := strings.Cut(string(k), Separator)
	return suffix
}

// Composite joins a root key and a suffix.
func Composite(root RootKey, suffix string) CompositeKey {
	return CompositeKey(PrefixOf(root) + suffix)
}

// PrefixOf returns the listing prefix shared by every composite key under root.
// It is exactly the text Composite places in front of the suffix.
func PrefixOf(root RootKey) string {
	return root.String() + Separator
}

// ParseComposite splits a stored key into its root and suffix.
func ParseComposite(rawKey string) (CompositeKey, error) {
	root, suffix, found := strings.Cut(rawKey, Separator)
	if !found {
		return "", fmt.Errorf("%w: missing separator in %q", ErrInvalidCompositeKey, rawKey)
	}
	if err := validateSegment(root); err != nil {
		return "", fmt.Errorf("%w: root: %v", ErrInvalidCompositeKey, err)
	}
	if err := validateSegment(suffix); err != nil {
		return "", fmt.Errorf("%w: suffix: %v", ErrInvalidCompositeKey, err)
	}
	return CompositeKey(rawKey), nil
}

func validateSegment(segment string) error {
	if segment == "" {
		return errors.New("empty")
	}
	if len(segment) > maxKeyLength {
		return fmt.Errorf("exceeds %d characters", maxKeyLength)
	}
	for index := 0; index < len(segment); index++ {
		if strings.IndexByte(Alphabet, segment[index]) < 0 {
			return fmt.Errorf("unexpected character %q", segment[index])
		}
	}
	return nil
}
