package state

import (
	"context"
	"errors"
)

var (
	ErrNotFound  = errors.New("key not found")
	ErrKeyExists = errors.New("key already exists")
)

// Backend is the key-value persistence the store sits on. Each call is
// atomic for its key; Create must fail with ErrKeyExists rather than
// overwrite.
type Backend interface {
	Create(ctx context.Context, key string, value []byte) error
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Close() error
}
