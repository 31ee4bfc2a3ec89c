package config

import "strings"

// ProviderConfig supplies the identity-provider settings needed for the
// authorization-code + refresh-token grants. Either an issuer URL (OIDC
// discovery) or explicit authorize/token URLs must be configured.
type ProviderConfig interface {
	GetProviderIssuer() string
	GetProviderAuthURL() string
	GetProviderTokenURL() string
	GetProviderUserInfoURL() string
	GetProviderClientID() string
	GetProviderClientSecret() string
	GetProviderScopes() []string
	GetRedirectPath() string
}

type Provider struct{}

var _ ProviderConfig = Provider{}

func (Provider) GetProviderIssuer() string {
	return GetEnv("PROVIDER_ISSUER", "")
}

func (Provider) GetProviderAuthURL() string {
	return GetEnv("PROVIDER_AUTH_URL", "")
}

func (Provider) GetProviderTokenURL() string {
	return GetEnv("PROVIDER_TOKEN_URL", "")
}

func (Provider) GetProviderUserInfoURL() string {
	return GetEnv("PROVIDER_USERINFO_URL", "")
}

func (Provider) GetProviderClientID() string {
	return GetEnv("PROVIDER_CLIENT_ID", "")
}

func (Provider) GetProviderClientSecret() string {
	return GetEnv("PROVIDER_CLIENT_SECRET", "")
}

func (Provider) GetProviderScopes() []string {
	scopes := GetEnv("PROVIDER_SCOPES", "openid profile email offline_access")
	return strings.Fields(scopes)
}

// GetRedirectPath is the path on this proxy that the provider redirects
// back to after user consent. Combined with BASE_URL it forms the full
// redirect URI registered with the provider.
func (Provider) GetRedirectPath() string {
	return GetEnv("PROVIDER_REDIRECT_PATH", "/auth/callback")
}
