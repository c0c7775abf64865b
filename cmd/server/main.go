package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mprlab/gtokend/internal/gproxy"
	"github.com/mprlab/gtokend/internal/oauthkit"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "gtokend",
		Short:   "Google OAuth token custody service with encrypted storage, auto-refresh, and internal token issuance",
		PreRunE: prepareServiceConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("google_client_id", "", "Google OAuth client ID")
	rootCmd.Flags().String("google_client_secret", "", "Google OAuth client secret")
	rootCmd.Flags().String("redirect_base_url", "http://localhost:8080", "Base URL the OAuth callback is served under")
	rootCmd.Flags().String("internal_api_key", "", "Shared secret for the internal X-API-Key header")
	rootCmd.Flags().StringSlice("internal_allowed_ips", []string{}, "Optional allowlist of caller IPs or CIDR blocks for internal endpoints")
	rootCmd.Flags().String("encryption_key", "", "urlsafe base64 key (32 bytes decoded) for credential encryption at rest")
	rootCmd.Flags().Duration("state_ttl", 5*time.Minute, "Lifetime of the signed OAuth state parameter")
	rootCmd.Flags().Duration("safety_margin", 30*time.Second, "Remaining lifetime below which a stored token is refreshed")
	rootCmd.Flags().Duration("upstream_timeout", 15*time.Second, "Timeout for Google token-endpoint calls")
	rootCmd.Flags().Duration("rate_limit_window", time.Minute, "Fixed rate-limit window length")
	rootCmd.Flags().Int("rate_limit_max_per_key", 120, "Requests allowed per API key per window")
	rootCmd.Flags().Int("rate_limit_max_per_user", 60, "Requests allowed per subject user per window")
	rootCmd.Flags().String("database_url", "", "Credential store URL (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")

	for _, flagName := range []string{
		"listen_addr", "google_client_id", "google_client_secret", "redirect_base_url",
		"internal_api_key", "internal_allowed_ips", "encryption_key", "state_ttl",
		"safety_margin", "upstream_timeout", "rate_limit_window", "rate_limit_max_per_key",
		"rate_limit_max_per_user", "database_url", "enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingGoogleClientID     = "config.missing_google_client_id"
	configCodeMissingGoogleClientSecret = "config.missing_google_client_secret"
	configCodeMissingInternalAPIKey     = "config.missing_internal_api_key"
	configCodeMissingEncryptionKey      = "config.missing_encryption_key"
	configCodeMissingRedirectBaseURL    = "config.missing_redirect_base_url"
	configCodeInvalidRateCeiling        = "config.invalid_rate_ceiling"
	configCodeUninitializedServiceConf  = "config.uninitialized_service_config"
	configCodeMissingCORSOrigins        = "config.missing_cors_origins"
)

type contextKey string

const serviceConfigContextKey contextKey = "serviceConfig"

func prepareServiceConfig(command *cobra.Command, arguments []string) error {
	serviceConfig, loadErr := LoadServiceConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serviceConfigContextKey, serviceConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServiceConfig reads and validates the configuration surface from viper.
func LoadServiceConfig() (oauthkit.ServiceConfig, error) {
	googleClientID := viper.GetString("google_client_id")
	if googleClientID == "" {
		return oauthkit.ServiceConfig{}, configError(configCodeMissingGoogleClientID, "google_client_id must be provided")
	}
	googleClientSecret := viper.GetString("google_client_secret")
	if googleClientSecret == "" {
		return oauthkit.ServiceConfig{}, configError(configCodeMissingGoogleClientSecret, "google_client_secret must be provided")
	}
	internalAPIKey := viper.GetString("internal_api_key")
	if internalAPIKey == "" {
		return oauthkit.ServiceConfig{}, configError(configCodeMissingInternalAPIKey, "internal_api_key must be provided")
	}
	encryptionKey := viper.GetString("encryption_key")
	if encryptionKey == "" {
		return oauthkit.ServiceConfig{}, configError(configCodeMissingEncryptionKey, "encryption_key must be provided")
	}
	redirectBaseURL := viper.GetString("redirect_base_url")
	if redirectBaseURL == "" {
		return oauthkit.ServiceConfig{}, configError(configCodeMissingRedirectBaseURL, "redirect_base_url must be provided")
	}
	maxPerKey := viper.GetInt("rate_limit_max_per_key")
	maxPerUser := viper.GetInt("rate_limit_max_per_user")
	if maxPerKey <= 0 || maxPerUser <= 0 {
		return oauthkit.ServiceConfig{}, configError(configCodeInvalidRateCeiling, "rate ceilings must be greater than zero")
	}

	return oauthkit.ServiceConfig{
		GoogleClientID:     googleClientID,
		GoogleClientSecret: googleClientSecret,
		RedirectBaseURL:    redirectBaseURL,
		InternalAPIKey:     []byte(internalAPIKey),
		InternalAllowedIPs: viper.GetStringSlice("internal_allowed_ips"),
		EncryptionKey:      encryptionKey,
		StateTTL:           viper.GetDuration("state_ttl"),
		SafetyMargin:       viper.GetDuration("safety_margin"),
		UpstreamTimeout:    viper.GetDuration("upstream_timeout"),
		RateLimitWindow:    viper.GetDuration("rate_limit_window"),
		MaxRequestsPerKey:  maxPerKey,
		MaxRequestsPerUser: maxPerUser,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serviceConfigContextKey)
	}
	serviceConfig, ok := contextValue.(oauthkit.ServiceConfig)
	if !ok {
		return configError(configCodeUninitializedServiceConf, "service configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	// Forwarded-for headers stay untrusted unless a deployment fronts the
	// service with a proxy it controls.
	if proxyErr := router.SetTrustedProxies(nil); proxyErr != nil {
		return proxyErr
	}
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		if len(corsAllowedOrigins) == 0 {
			return configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
		}
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = corsAllowedOrigins
		corsConfig.AllowCredentials = true
		corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, oauthkit.InternalAPIKeyHeader)
		router.Use(cors.New(corsConfig))
	}

	credentialCipher, cipherErr := oauthkit.NewCredentialCipher(serviceConfig.EncryptionKey)
	if cipherErr != nil {
		return cipherErr
	}

	var credentialStore oauthkit.CredentialStore
	if databaseURL != "" {
		persistentStore, storeErr := oauthkit.NewDatabaseCredentialStore(context.Background(), databaseURL, credentialCipher)
		if storeErr != nil {
			return storeErr
		}
		credentialStore = persistentStore
		logger.Info("using persistent credential store", zap.String("driver", persistentStore.Driver()))
	} else {
		credentialStore = oauthkit.NewMemoryCredentialStore(credentialCipher)
		logger.Info("using in-memory credential store")
	}

	clock := oauthkit.NewSystemClock()
	metricsRecorder := oauthkit.NewCounterMetrics()
	stateCodec := oauthkit.NewStateCodec(serviceConfig.InternalAPIKey, serviceConfig.StateTTL, clock)
	googleClient := oauthkit.NewGoogleOAuthClient(serviceConfig, clock)
	manager := oauthkit.NewLifecycleManager(stateCodec, credentialStore, googleClient, clock, logger, metricsRecorder, serviceConfig.SafetyMargin)

	gate, gateErr := oauthkit.NewAccessGate(serviceConfig, logger, metricsRecorder)
	if gateErr != nil {
		return gateErr
	}
	limiter := oauthkit.NewFixedWindowLimiter(serviceConfig.RateLimitWindow, clock)

	oauthkit.MountOAuthRoutes(router, serviceConfig, manager, gate, limiter, metricsRecorder)

	resourceProxy := gproxy.NewProxy(manager, logger, "")
	gproxy.MountResourceRoutes(router, resourceProxy,
		gate.RequireInternal(),
		oauthkit.RateLimitMiddleware(limiter, serviceConfig, metricsRecorder),
	)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		requestID := contextGin.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		contextGin.Set("request_id", requestID)
		contextGin.Header("X-Request-ID", requestID)
		contextGin.Next()
	}
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.String("request_id", contextGin.GetString("request_id")),
			zap.Duration("elapsed", duration),
		)
	}
}
