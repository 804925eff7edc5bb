package session

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get for absent and expired sessions alike.
	ErrNotFound = errors.New("session not found")
	// ErrLockAcquire is returned when the distributed lock cannot be acquired.
	ErrLockAcquire = errors.New("failed to acquire distributed lock")
	// ErrLeaseLost is returned when extending a distributed lock that expired or changed owner.
	ErrLeaseLost = errors.New("distributed lock lease lost")
)

// Store is a TTL-bound key to session mapping. The TTL is measured from the last Set.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Set(ctx context.Context, id string, s *Session) error
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
}
