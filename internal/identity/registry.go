// Package identity allocates, validates, and reclaims usernames.
// Uniqueness is enforced on the case-folded form; the display form keeps
// the casing the client asked for.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// AutoPrefix is the prefix of server-assigned usernames.
const AutoPrefix = "xsukax"

const (
	minLength = 2
	maxLength = 20
)

// Validation errors. Texts are user-facing and sent verbatim in error frames.
var (
	ErrEmpty   = errors.New("Username cannot be empty")
	ErrGrammar = errors.New("Username can only contain letters, numbers, underscore, and hyphen")
	ErrLength  = fmt.Errorf("Username must be between %d and %d characters", minLength, maxLength)
	ErrTaken   = errors.New("Username is already taken")
)

// Registry tracks reserved usernames.
type Registry struct {
	mu      sync.Mutex
	taken   map[string]string // case-folded -> display form
	counter int               // next auto-name suffix
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		taken:   make(map[string]string),
		counter: 1,
	}
}

// Validate checks grammar and length only. It does not check availability.
func Validate(name string) error {
	if name == "" {
		return ErrEmpty
	}
	if len(name) < minLength || len(name) > maxLength {
		return ErrLength
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return ErrGrammar
		}
	}
	return nil
}

// Reserve claims name, or allocates the next free auto name when name is
// empty. Returns the display form of the reserved identity.
func (r *Registry) Reserve(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return r.reserveAutoLocked(), nil
	}
	if err := Validate(name); err != nil {
		return "", err
	}
	key := fold(name)
	if _, exists := r.taken[key]; exists {
		return "", ErrTaken
	}
	r.taken[key] = name
	return name, nil
}

func (r *Registry) reserveAutoLocked() string {
	for {
		name := fmt.Sprintf("%s%04d", AutoPrefix, r.counter)
		r.counter++
		key := fold(name)
		if _, exists := r.taken[key]; !exists {
			r.taken[key] = name
			return name
		}
	}
}

// Release frees an identity. Releasing an unknown name is a no-op.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.taken, fold(name))
}

// Rename atomically swaps old for new. The old reservation is kept on any
// validation failure.
func (r *Registry) Rename(old, new string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := Validate(new); err != nil {
		return err
	}
	oldKey, newKey := fold(old), fold(new)
	if _, exists := r.taken[newKey]; exists && newKey != oldKey {
		return ErrTaken
	}
	delete(r.taken, oldKey)
	r.taken[newKey] = new
	return nil
}

// Reserved reports whether name is currently taken.
func (r *Registry) Reserved(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.taken[fold(name)]
	return ok
}

func fold(name string) string {
	return strings.ToLower(name)
}
