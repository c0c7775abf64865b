package oauthkit

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	statePurpose     = "google_oauth"
	stateLeeway      = 5 * time.Second
	stateMinimumTTL  = 30 * time.Second
	stateNonceLength = 8
)

// StateCodec mints and verifies the signed, expiring OAuth state parameter.
// The token is a compact HS256 JWS binding a user identity to one flow
// instance; it is never persisted server-side.
type StateCodec struct {
	signingKey []byte
	ttl        time.Duration
	clock      Clock
}

type stateClaims struct {
	Purpose string `json:"p"`
	Nonce   string `json:"n"`
	jwt.RegisteredClaims
}

// NewStateCodec constructs a codec with the process-wide signing key. TTLs
// below 30 seconds are raised to the floor.
func NewStateCodec(signingKey []byte, ttl time.Duration, clock Clock) *StateCodec {
	if ttl < stateMinimumTTL {
		ttl = stateMinimumTTL
	}
	return &StateCodec{signingKey: signingKey, ttl: ttl, clock: clock}
}

// Encode produces a URL-safe state token for the given user identity.
func (codec *StateCodec) Encode(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("state.encode: %w", ErrEmptyUserID)
	}
	nonce, nonceErr := randomStateNonce()
	if nonceErr != nil {
		return "", fmt.Errorf("state.encode: %w", nonceErr)
	}
	issuedAt := codec.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, stateClaims{
		Purpose: statePurpose,
		Nonce:   nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(codec.ttl)),
		},
	})
	signed, signErr := token.SignedString(codec.signingKey)
	if signErr != nil {
		return "", fmt.Errorf("state.encode: %w", signErr)
	}
	return signed, nil
}

// Decode verifies signature, purpose, and expiry, and returns the bound user
// identity. Every failure mode collapses into ErrInvalidState so callers
// cannot distinguish tamper from expiry.
func (codec *StateCodec) Decode(token string) (string, error) {
	parsed, parseErr := jwt.ParseWithClaims(token, &stateClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return codec.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(stateLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(codec.clock.Now),
	)
	if parseErr != nil || parsed == nil || !parsed.Valid {
		return "", fmt.Errorf("state.decode: %w", ErrInvalidState)
	}
	claims, ok := parsed.Claims.(*stateClaims)
	if !ok || claims.Purpose != statePurpose || claims.Subject == "" || claims.Nonce == "" {
		return "", fmt.Errorf("state.decode: %w", ErrInvalidState)
	}
	return claims.Subject, nil
}

func randomStateNonce() (string, error) {
	buffer := make([]byte, stateNonceLength)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
