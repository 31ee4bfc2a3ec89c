package config

import "time"

type SecurityConfig interface {
	GetSecretKey() string
	GetSessionTokenExpiry() time.Duration
	GetEnableRateLimiting() bool
}

type Security struct{}

var _ SecurityConfig = Security{}

// GetSecretKey is the process-wide secret material. It signs the session
// JWTs handed to callers and seeds the key derivation for token sealing.
func (Security) GetSecretKey() string {
	return GetEnv("SECRET_KEY", "")
}

// GetSessionTokenExpiry bounds the lifetime of the proxy-issued session JWT.
func (Security) GetSessionTokenExpiry() time.Duration {
	return GetEnvDuration("SESSION_TOKEN_EXPIRY", 30*24*time.Hour)
}

func (Security) GetEnableRateLimiting() bool {
	return GetEnv("ENABLE_RATE_LIMITING", "true") != "false"
}
