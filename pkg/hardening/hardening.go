// Package hardening refuses to start treasury services with insecure
// settings in production-like environments.
package hardening

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInsecure = errors.New("insecure production configuration")

// MinJWTSecretLen is the shortest HMAC secret accepted in production.
const MinJWTSecretLen = 32

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseURL            string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	CORSAllowedOrigins     string
	JWTSecret              string
	SignerURL              string
	RequiredServiceSecrets []EnvRequirement
}

func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) || !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "treasuryd"
	}
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%s: %w: %s", service, ErrInsecure, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(o.DatabaseURL) == "" {
		return fail("DATABASE_URL is required")
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fail("DATABASE_REQUIRE_TLS=true is required")
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fail("REDIS_REQUIRE_TLS=true is required")
		}
		if isTrue(o.RedisTLSInsecure, false) {
			return fail("REDIS_TLS_INSECURE is forbidden")
		}
	}
	if len(strings.TrimSpace(o.JWTSecret)) < MinJWTSecretLen {
		return fail("JWT_SECRET must be at least %d characters", MinJWTSecretLen)
	}
	if signer := strings.ToLower(strings.TrimSpace(o.SignerURL)); signer == "" || !strings.HasPrefix(signer, "https://") {
		return fail("SIGNER_URL must be an https endpoint")
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins); err != nil {
		return fail("%v", err)
	}
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fail("%s is required", req.Name)
		}
	}
	return nil
}

func validateCORSOrigins(raw string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("CORS wildcard origin is forbidden")
		}
		for _, local := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
			if strings.HasPrefix(lower, local) {
				return fmt.Errorf("localhost CORS origin %q is forbidden", o)
			}
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("CORS origin %q must be https", o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("explicit CORS_ALLOWED_ORIGINS required")
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
