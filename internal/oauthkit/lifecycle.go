package oauthkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AccessGrant is what internal callers receive: a currently valid access
// token, its absolute expiry, and the granted scopes.
type AccessGrant struct {
	AccessToken string
	ExpiresAt   time.Time
	Scopes      []string
}

// LifecycleManager orchestrates the per-user credential state machine:
// consent URL construction, code exchange, refresh-on-demand, and revocation.
// Refreshes for the same user are mutually exclusive so concurrent callers
// never race two upstream refresh calls against a single stored record.
type LifecycleManager struct {
	codec        *StateCodec
	store        CredentialStore
	upstream     UpstreamAuthorizer
	clock        Clock
	logger       *zap.Logger
	metrics      MetricsRecorder
	safetyMargin time.Duration

	locksMutex sync.Mutex
	userLocks  map[string]*sync.Mutex
}

// NewLifecycleManager wires the manager; safetyMargin defaults to 30 s.
func NewLifecycleManager(codec *StateCodec, store CredentialStore, upstream UpstreamAuthorizer, clock Clock, logger *zap.Logger, metrics MetricsRecorder, safetyMargin time.Duration) *LifecycleManager {
	if safetyMargin <= 0 {
		safetyMargin = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	return &LifecycleManager{
		codec:        codec,
		store:        store,
		upstream:     upstream,
		clock:        clock,
		logger:       logger,
		metrics:      metrics,
		safetyMargin: safetyMargin,
		userLocks:    make(map[string]*sync.Mutex),
	}
}

// BeginFlow returns the Google consent URL for the user with a fresh signed
// state embedded. No state is mutated.
func (manager *LifecycleManager) BeginFlow(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("lifecycle.begin: %w", ErrEmptyUserID)
	}
	state, encodeErr := manager.codec.Encode(userID)
	if encodeErr != nil {
		return "", fmt.Errorf("lifecycle.begin: %w", encodeErr)
	}
	manager.metrics.Increment("flow.begin")
	return manager.upstream.ConsentURL(state), nil
}

// CompleteFlow verifies the redirect state, exchanges the code, and stores the
// resulting credential record. A replayed code fails at Google and is
// surfaced without touching the store. When Google omits the refresh token on
// re-consent, the previously stored one is carried forward.
func (manager *LifecycleManager) CompleteFlow(ctx context.Context, code string, state string) (string, error) {
	userID, decodeErr := manager.codec.Decode(state)
	if decodeErr != nil {
		return "", fmt.Errorf("lifecycle.complete: %w", decodeErr)
	}
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("lifecycle.complete: %w", ErrUpstreamExchange)
	}

	grant, exchangeErr := manager.upstream.Exchange(detachedContext(ctx), code)
	if exchangeErr != nil {
		return "", fmt.Errorf("lifecycle.complete: %w", exchangeErr)
	}

	userLock := manager.lockFor(userID)
	userLock.Lock()
	defer userLock.Unlock()

	refreshToken := grant.RefreshToken
	if refreshToken == "" {
		if previous, getErr := manager.store.Get(ctx, userID); getErr == nil {
			refreshToken = previous.RefreshToken
		}
	}

	record := &CredentialRecord{
		UserID:       userID,
		AccessToken:  grant.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    grant.ExpiresAt,
		Scopes:       grant.Scopes,
		UpdatedAt:    manager.clock.Now(),
	}
	if putErr := manager.store.Put(ctx, record); putErr != nil {
		return "", fmt.Errorf("lifecycle.complete: %w", putErr)
	}
	manager.metrics.Increment("flow.complete")
	manager.logger.Info("oauth flow completed", zap.String("user_id", userID), zap.Time("expires_at", record.ExpiresAt))
	return userID, nil
}

// GetValidToken returns a currently valid access token for the user,
// refreshing through Google when the stored one is expired or inside the
// safety margin. The check-refresh-store sequence is serialized per user.
func (manager *LifecycleManager) GetValidToken(ctx context.Context, userID string) (*AccessGrant, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("lifecycle.token: %w", ErrEmptyUserID)
	}

	userLock := manager.lockFor(userID)
	userLock.Lock()
	defer userLock.Unlock()

	record, getErr := manager.store.Get(ctx, userID)
	if getErr != nil {
		if errors.Is(getErr, ErrCredentialNotFound) {
			return nil, fmt.Errorf("lifecycle.token: %w", ErrNotConnected)
		}
		if errors.Is(getErr, ErrDecryptionFailed) {
			// Corrupted at rest; the store already purged the row.
			manager.metrics.Increment("token.reauth_required")
			return nil, fmt.Errorf("lifecycle.token: %w: %w", ErrReauthRequired, ErrDecryptionFailed)
		}
		return nil, fmt.Errorf("lifecycle.token: %w", getErr)
	}

	now := manager.clock.Now()
	if now.Before(record.ExpiresAt.Add(-manager.safetyMargin)) {
		manager.metrics.Increment("token.cache_hit")
		return &AccessGrant{
			AccessToken: record.AccessToken,
			ExpiresAt:   record.ExpiresAt,
			Scopes:      record.Scopes,
		}, nil
	}

	if record.RefreshToken == "" {
		// Terminally expired: nothing to refresh with.
		if deleteErr := manager.store.Delete(ctx, userID); deleteErr != nil {
			manager.logger.Warn("failed to purge credential without refresh token", zap.String("user_id", userID), zap.Error(deleteErr))
		}
		manager.metrics.Increment("token.reauth_required")
		return nil, fmt.Errorf("lifecycle.token: %w", ErrReauthRequired)
	}

	grant, refreshErr := manager.upstream.Refresh(detachedContext(ctx), record.RefreshToken)
	if refreshErr != nil {
		if errors.Is(refreshErr, ErrRefreshRejected) {
			if deleteErr := manager.store.Delete(detachedContext(ctx), userID); deleteErr != nil {
				manager.logger.Warn("failed to purge rejected credential", zap.String("user_id", userID), zap.Error(deleteErr))
			}
			manager.metrics.Increment("token.reauth_required")
			return nil, fmt.Errorf("lifecycle.token: %w", ErrReauthRequired)
		}
		// Upstream unreachable or slow: the stored record stays usable for a
		// later retry.
		return nil, fmt.Errorf("lifecycle.token: %w", refreshErr)
	}

	record.AccessToken = grant.AccessToken
	record.ExpiresAt = grant.ExpiresAt
	if grant.RefreshToken != "" {
		record.RefreshToken = grant.RefreshToken
	}
	if len(grant.Scopes) > 0 {
		record.Scopes = grant.Scopes
	}
	record.UpdatedAt = manager.clock.Now()
	if putErr := manager.store.Put(detachedContext(ctx), record); putErr != nil {
		return nil, fmt.Errorf("lifecycle.token: %w", putErr)
	}
	manager.metrics.Increment("token.refresh")
	return &AccessGrant{
		AccessToken: record.AccessToken,
		ExpiresAt:   record.ExpiresAt,
		Scopes:      record.Scopes,
	}, nil
}

// Revoke notifies Google best-effort and unconditionally deletes the local
// record. Local deletion is the source of truth for connectedness; revoking
// an unconnected user succeeds silently.
func (manager *LifecycleManager) Revoke(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("lifecycle.revoke: %w", ErrEmptyUserID)
	}

	userLock := manager.lockFor(userID)
	userLock.Lock()
	defer userLock.Unlock()

	record, getErr := manager.store.Get(ctx, userID)
	if getErr == nil {
		upstreamToken := record.RefreshToken
		if upstreamToken == "" {
			upstreamToken = record.AccessToken
		}
		if revokeErr := manager.upstream.Revoke(detachedContext(ctx), upstreamToken); revokeErr != nil {
			manager.logger.Warn("upstream revoke failed; deleting locally anyway", zap.String("user_id", userID), zap.Error(revokeErr))
		}
	}

	if deleteErr := manager.store.Delete(detachedContext(ctx), userID); deleteErr != nil {
		return fmt.Errorf("lifecycle.revoke: %w", deleteErr)
	}
	manager.metrics.Increment("revoke")
	return nil
}

func (manager *LifecycleManager) lockFor(userID string) *sync.Mutex {
	manager.locksMutex.Lock()
	defer manager.locksMutex.Unlock()
	userLock, ok := manager.userLocks[userID]
	if !ok {
		userLock = &sync.Mutex{}
		manager.userLocks[userID] = userLock
	}
	return userLock
}

// detachedContext keeps the caller's values but drops its cancellation, so an
// abandoned request cannot leave a refresh half-applied.
func detachedContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
