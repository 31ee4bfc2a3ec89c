package server

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-oauth-proxy/authflow"
	"github.com/jrsteele09/go-oauth-proxy/forward"
	"github.com/jrsteele09/go-oauth-proxy/internal/config"
	"github.com/jrsteele09/go-oauth-proxy/provider"
	"github.com/jrsteele09/go-oauth-proxy/sessions"
)

// Deps holds the core components the HTTP surface exposes.
type Deps struct {
	Provider  *provider.Client
	Sessions  *sessions.Manager
	AuthFlows authflow.Repo
	Engine    *forward.Engine
}

type Server struct {
	env           string // Environment (e.g., "DEV", "PROD")
	mux           *http.ServeMux
	routes        []string
	config        config.Config
	provider      *provider.Client
	sessions      *sessions.Manager
	authFlows     authflow.Repo
	engine        *forward.Engine
	sessionTokens *SessionTokens
	logger        zerolog.Logger
}

func New(cfg config.Config, deps Deps, logger zerolog.Logger) (*Server, error) {
	if deps.Provider == nil {
		return nil, errors.New("[Server.New] provider client is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("[Server.New] session manager is required")
	}
	if deps.AuthFlows == nil {
		return nil, errors.New("[Server.New] auth flow repo is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("[Server.New] forwarding engine is required")
	}

	sessionTokens, err := NewSessionTokens(cfg.GetSecretKey(), cfg.GetSessionTokenExpiry())
	if err != nil {
		return nil, errors.Wrap(err, "[Server.New] session tokens")
	}

	s := &Server{
		env:           cfg.GetEnv(),
		mux:           http.NewServeMux(),
		config:        cfg,
		provider:      deps.Provider,
		sessions:      deps.Sessions,
		authFlows:     deps.AuthFlows,
		engine:        deps.Engine,
		sessionTokens: sessionTokens,
		logger:        logger,
	}

	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)
		if len(parts) > 1 {
			s.logger.Debug().Str("method", parts[0]).Str("path", parts[1]).Msg("route registered")
		} else {
			s.logger.Debug().Str("path", parts[0]).Msg("route registered")
		}
	}
}
