// Package storage provides the persistence primitive behind chartlink's
// token and authorization-attempt stores. The core depends only on the Store
// interface; host environments pick a backend (memory, file, redis) or bring
// their own.
package storage

import (
	"context"
	"errors"
)

// Store is a scoped key-value persistence primitive. Implementations must be
// safe for concurrent use. Get returns ErrKeyNotFound for absent keys.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error

	// Keys lists every stored key beginning with prefix. Used by the
	// scoped stores to clear only their own keys.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// Storage errors.
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrEmptyKey    = errors.New("storage key cannot be empty")
)

// clearPrefix removes every key under prefix from the store.
func clearPrefix(ctx context.Context, s Store, prefix string) error {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
