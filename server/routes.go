package server

func (s *Server) initRoutes() {
	// Login & session lifecycle
	s.RegisterRouteHandler("POST "+RouteAuthLogin, ChainMiddleware(s.LoginHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteCallback, ChainMiddleware(s.CallbackHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteAuthRefresh, ChainMiddleware(s.RefreshHandler(), s.AuthenticatedAPIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteAuthLogout, ChainMiddleware(s.LogoutHandler(), s.AuthenticatedAPIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteAuthMe, ChainMiddleware(s.MeHandler(), s.AuthenticatedAPIMiddleware()...))

	// Authenticated forwarding entry point
	s.RegisterRouteHandler(RouteProxyPrefix, ChainMiddleware(s.ForwardHandler(), s.AuthenticatedAPIMiddleware()...))

	// Operational
	s.RegisterRouteFunc("GET "+RouteHealthz, s.HealthzHandler())
}
