// Package store keeps the whitelist of refresh tokens that are still eligible
// for rotation or logout.
package store

import (
	"context"
	"time"
)

// RefreshTokenStore is the shared mutable state of the token lifecycle.
// Implementations must be safe for concurrent use.
type RefreshTokenStore interface {
	// Add whitelists token until expiresAt. Adding an existing token is a no-op
	// apart from refreshing its expiry.
	Add(ctx context.Context, token string, expiresAt time.Time) error
	Contains(ctx context.Context, token string) (bool, error)
	// Remove deletes token if present.
	Remove(ctx context.Context, token string) error
	// Rotate atomically retires old and whitelists next. It reports false and
	// changes nothing when old is not whitelisted, so of several concurrent
	// rotations of the same token exactly one succeeds.
	Rotate(ctx context.Context, old, next string, nextExpiresAt time.Time) (bool, error)
	Len(ctx context.Context) (int, error)
}
