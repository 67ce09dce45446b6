package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/oidc-core/credentials"
)

// Default lifetimes applied to zero Config fields.
const (
	DefaultAuthorizationCodeTTL    = 10 * time.Minute
	DefaultPendingAuthorizationTTL = 10 * time.Minute
)

// Config holds the grant flow configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL time.Duration // default: 10 minutes

	// PendingAuthorizationTTL is how long a validated authorization request
	// waits for the user's decision
	PendingAuthorizationTTL time.Duration // default: 10 minutes

	// CredentialTimeout bounds every call to the credential store
	CredentialTimeout time.Duration // default: 5 seconds

	// AllowRefreshTokenRotation enables refresh token rotation for clients
	// that ask for it. When false, refresh tokens are reused until they expire.
	// Default: true (secure by default)
	AllowRefreshTokenRotation bool // default: true

	// RequirePKCE enforces PKCE for every client, confidential ones included.
	// Public clients always need PKCE.
	// Default: true
	RequirePKCE bool // default: true

	// AllowPKCEPlain allows the 'plain' code_challenge_method for clients that
	// also opt in with AllowPlainPKCE.
	// WARNING: The 'plain' method is deprecated in OAuth 2.1
	// Default: false
	AllowPKCEPlain bool // default: false

	// AllowInsecureHTTP permits an http:// issuer on a non-loopback host
	// Default: false
	AllowInsecureHTTP bool
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.PendingAuthorizationTTL == 0 {
		config.PendingAuthorizationTTL = DefaultPendingAuthorizationTTL
	}
	if config.CredentialTimeout == 0 {
		config.CredentialTimeout = credentials.DefaultTimeout
	}
}

// applySecurityDefaults sets secure defaults for security-related configuration.
// A config with every security bool false is taken as unconfigured.
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	isDefaultConfig := !config.AllowRefreshTokenRotation &&
		!config.RequirePKCE &&
		!config.AllowPKCEPlain &&
		!config.AllowInsecureHTTP

	if isDefaultConfig {
		config.AllowRefreshTokenRotation = true
		config.RequirePKCE = true
		return
	}

	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("SECURITY WARNING: PKCE is optional for confidential clients",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCE=true for OAuth 2.1 compliance")
	}
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256")
	}
	if !config.AllowRefreshTokenRotation {
		logger.Warn("SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "Stolen refresh tokens stay usable until they expire",
			"recommendation", "Set AllowRefreshTokenRotation=true")
	}
}

// validateIssuer requires an https issuer except on loopback hosts, unless
// AllowInsecureHTTP is set.
func validateIssuer(config *Config, logger *slog.Logger) error {
	if config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("issuer must not contain a query or fragment")
	}

	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(u.Hostname()) {
			logger.Warn("DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", config.Issuer)
			return nil
		}
		if !config.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use HTTPS (got %s://%s); set AllowInsecureHTTP for development", u.Scheme, u.Hostname())
		}
		logger.Error("CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
			"issuer", config.Issuer,
			"risk", "All tokens and credentials exposed to network sniffing")
		return nil
	}
	return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", u.Scheme)
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
