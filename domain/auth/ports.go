package auth

import (
	"context"
	"time"
)

// Credential is a bearer token for the backend. A zero ExpiresAt never expires.
type Credential struct {
	Bearer    string
	ExpiresAt time.Time
}

// Expired reports whether the credential is unusable at now plus skew.
func (c Credential) Expired(now time.Time, skew time.Duration) bool {
	if c.Bearer == "" {
		return true
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

// TokenProvider returns a valid backend credential, refreshing it as needed
type TokenProvider interface {
	Token(ctx context.Context) (Credential, error)
}
