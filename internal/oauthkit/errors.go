package oauthkit

import "errors"

var (
	// ErrInvalidState indicates the OAuth state parameter is tampered, malformed, or expired.
	ErrInvalidState = errors.New("state.invalid")
	// ErrUpstreamExchange indicates Google rejected or mangled a token-endpoint call.
	ErrUpstreamExchange = errors.New("upstream.exchange_failed")
	// ErrUpstreamTimeout indicates a Google call did not complete within its deadline.
	ErrUpstreamTimeout = errors.New("upstream.timeout")
	// ErrRefreshRejected indicates Google explicitly refused the refresh token (invalid_grant).
	ErrRefreshRejected = errors.New("upstream.refresh_rejected")
	// ErrNotConnected indicates no credential record exists for the user.
	ErrNotConnected = errors.New("credentials.not_connected")
	// ErrReauthRequired indicates the stored credentials are unusable and were purged; the user must reconnect.
	ErrReauthRequired = errors.New("credentials.reauth_required")
	// ErrDecryptionFailed indicates ciphertext at rest could not be authenticated and decrypted.
	ErrDecryptionFailed = errors.New("cipher.decryption_failed")
	// ErrCredentialNotFound indicates no row matched the user in the credential store.
	ErrCredentialNotFound = errors.New("credential_store.not_found")
	// ErrEmptyUserID indicates a caller supplied an empty user identity.
	ErrEmptyUserID = errors.New("credentials.empty_user_id")
)
