package config

import "time"

// UpstreamConfig describes the downstream protocol server that
// authenticated requests are forwarded to.
type UpstreamConfig interface {
	GetUpstreamURL() string
	GetUpstreamTimeout() time.Duration
	GetUpstreamMaxRetries() int
	GetSessionRateLimit() float64
	GetSessionRateBurst() int
	GetGlobalRateLimit() float64
	GetGlobalRateBurst() int
}

type Upstream struct{}

var _ UpstreamConfig = Upstream{}

func (Upstream) GetUpstreamURL() string {
	return GetEnv("UPSTREAM_URL", "http://localhost:9000")
}

func (Upstream) GetUpstreamTimeout() time.Duration {
	return GetEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second)
}

// GetUpstreamMaxRetries bounds retries of idempotent requests after a
// downstream timeout or connection failure. Mutating methods are never
// retried regardless of this value.
func (Upstream) GetUpstreamMaxRetries() int {
	return GetEnvInt("UPSTREAM_MAX_RETRIES", 2)
}

func (Upstream) GetSessionRateLimit() float64 {
	return float64(GetEnvInt("RATE_LIMIT_PER_SESSION", 10))
}

func (Upstream) GetSessionRateBurst() int {
	return GetEnvInt("RATE_BURST_PER_SESSION", 20)
}

func (Upstream) GetGlobalRateLimit() float64 {
	return float64(GetEnvInt("RATE_LIMIT_GLOBAL", 100))
}

func (Upstream) GetGlobalRateBurst() int {
	return GetEnvInt("RATE_BURST_GLOBAL", 200)
}
