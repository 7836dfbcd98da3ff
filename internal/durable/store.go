// Package durable provides byte-addressable stores keyed by provider name.
//
// Stores may be shared by several verifier processes. Implementations make
// each Write atomic with respect to concurrent readers but never assume
// exclusive ownership of the underlying location.
package durable

import (
	"context"
	"fmt"
	"regexp"
)

// Store is the durable byte store consumed by the refreshing caches.
type Store interface {
	// Read returns the stored bytes for key or sentinel.ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)
	// Write replaces the bytes stored under key.
	Write(ctx context.Context, key string, data []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

var validKey = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateKey rejects keys that could escape a provider-scoped location.
func ValidateKey(key string) error {
	if !validKey.MatchString(key) || key == "." || key == ".." {
		return fmt.Errorf("invalid durable key %q", key)
	}
	return nil
}
