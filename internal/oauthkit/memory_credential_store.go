package oauthkit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryCredentialStore keeps sealed credential records in a map. Intended for
// tests and single-instance dev runs; token fields still pass through the
// cipher so behavior matches the database store.
type MemoryCredentialStore struct {
	mutex   sync.Mutex
	cipher  *CredentialCipher
	records map[string]memoryCredentialRow
}

type memoryCredentialRow struct {
	record          CredentialRecord
	accessTokenEnc  string
	refreshTokenEnc string
}

// NewMemoryCredentialStore creates an empty in-memory store.
func NewMemoryCredentialStore(credentialCipher *CredentialCipher) *MemoryCredentialStore {
	return &MemoryCredentialStore{
		cipher:  credentialCipher,
		records: make(map[string]memoryCredentialRow),
	}
}

// Get returns the decrypted record for the user, or ErrCredentialNotFound.
func (store *MemoryCredentialStore) Get(ctx context.Context, userID string) (*CredentialRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	row, ok := store.records[userID]
	if !ok {
		return nil, fmt.Errorf("credential_store.memory.get: %w", ErrCredentialNotFound)
	}
	accessToken, accessErr := store.cipher.Open(row.accessTokenEnc)
	if accessErr != nil {
		delete(store.records, userID)
		return nil, fmt.Errorf("credential_store.memory.get: %w", ErrDecryptionFailed)
	}
	refreshToken := ""
	if row.refreshTokenEnc != "" {
		decrypted, refreshErr := store.cipher.Open(row.refreshTokenEnc)
		if refreshErr != nil {
			delete(store.records, userID)
			return nil, fmt.Errorf("credential_store.memory.get: %w", ErrDecryptionFailed)
		}
		refreshToken = decrypted
	}

	record := row.record
	record.AccessToken = accessToken
	record.RefreshToken = refreshToken
	record.Scopes = append([]string(nil), row.record.Scopes...)
	return &record, nil
}

// Put seals the token fields and upserts the record.
func (store *MemoryCredentialStore) Put(ctx context.Context, record *CredentialRecord) error {
	if record == nil || record.UserID == "" {
		return fmt.Errorf("credential_store.memory.put: %w", ErrEmptyUserID)
	}
	accessTokenEnc, sealErr := store.cipher.Seal(record.AccessToken)
	if sealErr != nil {
		return fmt.Errorf("credential_store.memory.put: %w", sealErr)
	}
	refreshTokenEnc := ""
	if record.RefreshToken != "" {
		sealed, refreshSealErr := store.cipher.Seal(record.RefreshToken)
		if refreshSealErr != nil {
			return fmt.Errorf("credential_store.memory.put: %w", refreshSealErr)
		}
		refreshTokenEnc = sealed
	}

	stored := *record
	stored.AccessToken = ""
	stored.RefreshToken = ""
	stored.Scopes = append([]string(nil), record.Scopes...)

	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.records[record.UserID] = memoryCredentialRow{
		record:          stored,
		accessTokenEnc:  accessTokenEnc,
		refreshTokenEnc: refreshTokenEnc,
	}
	return nil
}

// Delete removes the record for the user; deleting an absent user succeeds.
func (store *MemoryCredentialStore) Delete(ctx context.Context, userID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.records, userID)
	return nil
}
