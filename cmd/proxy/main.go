package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-oauth-proxy/authflow"
	"github.com/jrsteele09/go-oauth-proxy/forward"
	"github.com/jrsteele09/go-oauth-proxy/internal/config"
	"github.com/jrsteele09/go-oauth-proxy/provider"
	"github.com/jrsteele09/go-oauth-proxy/server"
	"github.com/jrsteele09/go-oauth-proxy/sessions"
	"github.com/jrsteele09/go-oauth-proxy/tokenstore"
)

func main() {
	for {
		if err := run(); err != nil {
			log.Fatalf("Error running server: %s\n", err)
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Printf("Server stopped\n")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())
	logger := newLogger(c)

	handler, cleanup, err := buildHandler(c, logger)
	if err != nil {
		return fmt.Errorf("buildHandler: %w", err)
	}
	defer cleanup()

	httpServer := &http.Server{Addr: c.GetPort(), Handler: handler}
	go listenAndServe(httpServer, logger)
	waitForStopSignal()
	returnError = shutdown(httpServer)
	return returnError
}

// buildHandler wires the token store, provider client, session manager and
// forwarding engine into the HTTP surface. The returned cleanup stops the
// background eviction loops.
func buildHandler(c config.Config, logger zerolog.Logger) (http.Handler, func(), error) {
	sealer, err := tokenstore.NewSealer(c.GetSecretKey())
	if err != nil {
		return nil, nil, fmt.Errorf("tokenstore.NewSealer: %w", err)
	}

	var stops []func()
	var store tokenstore.Repo
	if addr := c.GetRedisAddr(); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: c.GetRedisPassword(),
			DB:       c.GetRedisDB(),
		})
		redisStore, err := tokenstore.NewRedisRepo(client, c.GetSessionIdleTTL())
		if err != nil {
			return nil, nil, fmt.Errorf("tokenstore.NewRedisRepo: %w", err)
		}
		store = redisStore
		stops = append(stops, func() { _ = client.Close() })
		logger.Info().Str("addr", addr).Msg("using redis session store")
	} else {
		memStore := tokenstore.NewInMemoryRepo(c.GetSessionIdleTTL())
		store = memStore
		stops = append(stops, memStore.Stop)
		logger.Info().Msg("using in-memory session store")
	}

	providerClient, err := provider.New(provider.Config{
		Issuer:             c.GetProviderIssuer(),
		AuthURL:            c.GetProviderAuthURL(),
		TokenURL:           c.GetProviderTokenURL(),
		UserInfoURL:        c.GetProviderUserInfoURL(),
		ClientID:           c.GetProviderClientID(),
		ClientSecret:       c.GetProviderClientSecret(),
		RedirectURL:        c.GetBaseURL() + c.GetRedirectPath(),
		Scopes:             c.GetProviderScopes(),
		MaxRefreshAttempts: c.GetRefreshMaxAttempts(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("provider.New: %w", err)
	}

	manager, err := sessions.NewManager(
		store,
		sealer,
		providerClient,
		c.GetRefreshMargin(),
		c.GetExpiryGrace(),
		sessions.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("sessions.NewManager: %w", err)
	}

	engineOptions := []forward.Option{forward.WithLogger(logger)}
	if c.GetEnableRateLimiting() {
		limiter := forward.NewLimiter(
			c.GetSessionRateLimit(), c.GetSessionRateBurst(),
			c.GetGlobalRateLimit(), c.GetGlobalRateBurst(),
		)
		stops = append(stops, limiter.Stop)
		engineOptions = append(engineOptions, forward.WithLimiter(limiter))
	}

	engine, err := forward.New(forward.Config{
		UpstreamURL: c.GetUpstreamURL(),
		Timeout:     c.GetUpstreamTimeout(),
		MaxRetries:  c.GetUpstreamMaxRetries(),
	}, manager, engineOptions...)
	if err != nil {
		return nil, nil, fmt.Errorf("forward.New: %w", err)
	}

	flows := authflow.NewInMemoryRepo(c.GetAuthFlowTTL())
	stops = append(stops, flows.Stop)

	srv, err := server.New(c, server.Deps{
		Provider:  providerClient,
		Sessions:  manager,
		AuthFlows: flows,
		Engine:    engine,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("server.New: %w", err)
	}

	cleanup := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}
	return srv, cleanup, nil
}

func newLogger(c config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", c.GetAppName()).Logger()
	if c.GetEnv() == "DEV" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.DebugLevel)
	}
	return logger
}

func listenAndServe(httpServer *http.Server, logger zerolog.Logger) error {
	logger.Info().Str("addr", httpServer.Addr).Msg("server listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(httpServer *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
