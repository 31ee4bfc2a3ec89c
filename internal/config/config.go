package config

type Config interface {
	EnvConfig
	CorsConfig
	ProviderConfig
	SessionConfig
	UpstreamConfig
	SecurityConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetBaseURL() string
	GetEnv() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

type mainConfig struct {
	EnvVars
	Cors
	Provider
	Session
	Upstream
	Security
}

func New() Config {
	return mainConfig{}
}
