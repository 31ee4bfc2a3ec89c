package server

// Route path constants
// All application routes are defined here to ensure consistency and prevent typos
const (
	// Auth Routes
	RouteAuthLogin   = "/auth/login"
	RouteAuthLogout  = "/auth/logout"
	RouteAuthRefresh = "/auth/refresh"
	RouteAuthMe      = "/auth/me"
	RouteCallback    = "/auth/callback"

	// Forwarding entry point; everything below the prefix is proxied to
	// the downstream server.
	RouteProxyPrefix = "/proxy/"

	// Operational routes
	RouteHealthz = "/healthz"
)
