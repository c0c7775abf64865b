// Package gproxy exposes thin read-only proxies over Google Drive, Docs,
// Sheets, and Slides for downstream ingestion workers. It consumes
// always-valid access tokens from the lifecycle manager; format-specific
// response decoding stays here, outside the token-custody core.
package gproxy

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mprlab/gtokend/internal/oauthkit"
)

// TokenProvider yields a currently valid access token for a user. Satisfied
// by *oauthkit.LifecycleManager.
type TokenProvider interface {
	GetValidToken(ctx context.Context, userID string) (*oauthkit.AccessGrant, error)
}

// Proxy builds per-request Google API clients authorized with the user's
// access token.
type Proxy struct {
	tokens   TokenProvider
	logger   *zap.Logger
	endpoint string
}

// NewProxy constructs a Proxy. endpointOverride is empty in production; tests
// point it at a fake Google server.
func NewProxy(tokens TokenProvider, logger *zap.Logger, endpointOverride string) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{tokens: tokens, logger: logger, endpoint: endpointOverride}
}

func (proxy *Proxy) clientOptions(ctx context.Context, userID string) ([]option.ClientOption, error) {
	grant, tokenErr := proxy.tokens.GetValidToken(ctx, userID)
	if tokenErr != nil {
		return nil, tokenErr
	}
	options := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: grant.AccessToken})),
	}
	if proxy.endpoint != "" {
		options = append(options, option.WithEndpoint(proxy.endpoint))
	}
	return options, nil
}

func (proxy *Proxy) abortWithTokenError(contextGin *gin.Context, err error) {
	switch {
	case errors.Is(err, oauthkit.ErrNotConnected):
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_connected"})
	case errors.Is(err, oauthkit.ErrReauthRequired):
		contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "reauth_required"})
	case errors.Is(err, oauthkit.ErrUpstreamTimeout):
		contextGin.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{"error": "upstream_timeout"})
	default:
		contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "upstream_error"})
	}
}

func (proxy *Proxy) abortWithGoogleError(contextGin *gin.Context, resource string, err error) {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		// Token no longer honored at Google; the client app must reconnect.
		contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "reauth_required"})
		return
	}
	proxy.logger.Warn("google api call failed", zap.String("resource", resource), zap.Error(err))
	contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "google_api_error"})
}

func requiredUserID(contextGin *gin.Context) (string, bool) {
	userID := contextGin.Query("user_id")
	if userID == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id_required"})
		return "", false
	}
	return userID, true
}
