package oauthkit

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// MountOAuthRoutes registers the public flow endpoints, the internal-only
// token/revoke surface behind the access gate and rate limiter, and the
// liveness probe.
func MountOAuthRoutes(router gin.IRouter, configuration ServiceConfig, manager *LifecycleManager, gate *AccessGate, limiter *FixedWindowLimiter, metrics MetricsRecorder) {
	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"ok": true})
	})

	router.GET("/auth/google/url", func(contextGin *gin.Context) {
		userID := strings.TrimSpace(contextGin.Query("user_id"))
		if userID == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id_required"})
			return
		}
		authURL, beginErr := manager.BeginFlow(userID)
		if beginErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "begin_flow_failed"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"auth_url": authURL})
	})

	router.GET("/auth/google/callback", func(contextGin *gin.Context) {
		code := contextGin.Query("code")
		state := contextGin.Query("state")
		if code == "" || state == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "code_and_state_required"})
			return
		}
		if _, completeErr := manager.CompleteFlow(contextGin.Request.Context(), code, state); completeErr != nil {
			status, label := callbackFailure(completeErr)
			contextGin.AbortWithStatusJSON(status, gin.H{"error": label})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"connected": true})
	})

	internal := router.Group("/")
	internal.Use(gate.RequireInternal())
	internal.Use(RateLimitMiddleware(limiter, configuration, metrics))

	internal.GET("/auth/google/token", func(contextGin *gin.Context) {
		userID := strings.TrimSpace(contextGin.Query("user_id"))
		if userID == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id_required"})
			return
		}
		grant, tokenErr := manager.GetValidToken(contextGin.Request.Context(), userID)
		if tokenErr != nil {
			status, label := tokenFailure(tokenErr)
			contextGin.AbortWithStatusJSON(status, gin.H{"error": label})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"access_token": grant.AccessToken,
			"expires_at":   grant.ExpiresAt.UTC().Format(time.RFC3339),
			"scopes":       grant.Scopes,
		})
	})

	internal.POST("/auth/google/revoke", func(contextGin *gin.Context) {
		userID := strings.TrimSpace(contextGin.Query("user_id"))
		if userID == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id_required"})
			return
		}
		if revokeErr := manager.Revoke(contextGin.Request.Context(), userID); revokeErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "revoke_failed"})
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	internal.GET("/internal/ping", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"ok": true})
	})
}

func callbackFailure(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidState):
		return http.StatusBadRequest, "invalid_state"
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "upstream_timeout"
	case errors.Is(err, ErrUpstreamExchange):
		return http.StatusBadRequest, "exchange_failed"
	default:
		return http.StatusInternalServerError, "callback_failed"
	}
}

func tokenFailure(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotConnected):
		return http.StatusNotFound, "not_connected"
	case errors.Is(err, ErrReauthRequired):
		return http.StatusConflict, "reauth_required"
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "upstream_timeout"
	case errors.Is(err, ErrUpstreamExchange):
		return http.StatusBadGateway, "upstream_error"
	default:
		return http.StatusInternalServerError, "token_failed"
	}
}
