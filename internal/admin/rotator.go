// Package admin generates and rotates the admin passphrase.
//
// The current secret is written to a well-known file so an operator with
// shell access can read it; it rotates every hour. Elevation is sticky per
// session: rotating the secret never demotes already-elevated sessions.
package admin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// SecretLength is the passphrase length in characters.
	SecretLength = 12

	// RotatePeriod is how often a fresh secret replaces the current one.
	RotatePeriod = time.Hour

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Rotator owns the current admin secret.
type Rotator struct {
	mu     sync.RWMutex
	path   string
	secret string
}

// New generates an initial secret and persists it to path.
func New(path string) (*Rotator, error) {
	r := &Rotator{path: path}
	if err := r.Rotate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Rotate replaces the secret and rewrites the file atomically.
func (r *Rotator) Rotate() error {
	secret, err := generate()
	if err != nil {
		return fmt.Errorf("generate admin secret: %w", err)
	}

	r.mu.Lock()
	r.secret = secret
	r.mu.Unlock()

	if err := writeAtomic(r.path, secret+"\n"); err != nil {
		// The in-memory secret is already live; the file is advisory.
		slog.Error("persist admin secret", "path", r.path, "err", err)
		return fmt.Errorf("write admin secret: %w", err)
	}
	slog.Info("admin secret rotated", "path", r.path)
	return nil
}

// Secret returns the current passphrase.
func (r *Rotator) Secret() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.secret
}

// Verify compares candidate against the current secret in constant time.
func (r *Rotator) Verify(candidate string) bool {
	r.mu.RLock()
	secret := r.secret
	r.mu.RUnlock()
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) == 1
}

// Run rotates the secret every RotatePeriod until ctx is canceled. A failed
// rotation is logged and retried on the next tick.
func (r *Rotator) Run(ctx context.Context) {
	ticker := time.NewTicker(RotatePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Rotate(); err != nil {
				slog.Error("admin secret rotation failed", "err", err)
			}
		}
	}
}

func generate() (string, error) {
	buf := make([]byte, SecretLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, SecretLength)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

func writeAtomic(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".admin-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
