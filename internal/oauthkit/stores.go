package oauthkit

import (
	"context"
	"time"
)

// CredentialRecord is the per-user credential state. Token fields hold
// plaintext in memory only; every store implementation seals them through the
// CredentialCipher before anything touches disk.
type CredentialRecord struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
	UpdatedAt    time.Time
}

// CredentialStore is the durable mapping from user identity to encrypted
// credential record. Put is an upsert with last-write-wins semantics; Delete
// is idempotent. Concurrent writers for the same user are serialized by the
// LifecycleManager, not by the store.
type CredentialStore interface {
	Get(ctx context.Context, userID string) (*CredentialRecord, error)
	Put(ctx context.Context, record *CredentialRecord) error
	Delete(ctx context.Context, userID string) error
}

func timeFromUnix(unix int64) time.Time {
	return time.Unix(unix, 0).UTC()
}
