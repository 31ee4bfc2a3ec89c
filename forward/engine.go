// Package forward is the authenticated reverse-proxy core: it resolves a
// credential for the calling session, rewrites the request, applies
// token-bucket admission control, dispatches downstream with bounded
// timeouts and idempotent-only retries, and streams the response back.
package forward

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-oauth-proxy/correlation"
	apperrors "github.com/jrsteele09/go-oauth-proxy/internal/errors"
)

const retryBaseBackoff = 100 * time.Millisecond

// CredentialResolver is the slice of the session manager the engine needs.
type CredentialResolver interface {
	ResolveCredential(ctx context.Context, sessionID string) (string, error)
	MarkExpired(ctx context.Context, sessionID string) error
}

// Config holds the static forwarding settings.
type Config struct {
	// UpstreamURL is the base URL of the downstream protocol server.
	UpstreamURL string

	// Timeout bounds each dispatch attempt.
	Timeout time.Duration

	// MaxRetries bounds additional attempts for idempotent methods after
	// a timeout or connection failure.
	MaxRetries int
}

// Engine forwards authenticated requests to the downstream server.
type Engine struct {
	upstream   *url.URL
	resolver   CredentialResolver
	limiter    *Limiter
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	logger     zerolog.Logger
}

// Option modifies an Engine.
type Option func(*Engine)

// WithHTTPClient overrides the HTTP client used for downstream calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = hc
	}
}

// WithLimiter installs token-bucket admission control. Without a limiter
// every request is admitted.
func WithLimiter(l *Limiter) Option {
	return func(e *Engine) {
		e.limiter = l
	}
}

// WithLogger sets the engine's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates a forwarding engine.
func New(cfg Config, resolver CredentialResolver, options ...Option) (*Engine, error) {
	if resolver == nil {
		return nil, errors.New("[forward.New] credential resolver is required")
	}
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, errors.Wrap(err, "[forward.New] parse upstream URL")
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, errors.New("[forward.New] upstream URL must be absolute")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	e := &Engine{
		upstream:   upstream,
		resolver:   resolver,
		httpClient: &http.Client{},
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		logger:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e, nil
}

// Forward proxies one inbound request for the given session. The response
// is written to w in all cases, including the error mappings of the proxy's
// taxonomy (401 unauthenticated, 429 rate limited, 502/504 upstream).
func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()
	logger := correlation.Logger(ctx, e.logger)

	token, err := e.resolver.ResolveCredential(ctx, sessionID)
	if err != nil {
		e.writeResolveError(w, r, logger, err)
		return
	}

	if e.limiter != nil && !e.limiter.Allow(sessionID) {
		logger.Warn().Str("session_id", sessionID).Err(apperrors.ErrRateLimited).Msg("rate limit exceeded")
		writeStatus(w, r, http.StatusTooManyRequests, "rate limited")
		return
	}

	resp, err := e.dispatch(ctx, r, token)
	if err != nil {
		if apperrors.Is(err, context.DeadlineExceeded) {
			logger.Warn().Str("method", r.Method).Str("path", r.URL.Path).Msg("upstream timeout")
			writeStatus(w, r, http.StatusGatewayTimeout, "upstream timeout")
			return
		}
		logger.Warn().Str("method", r.Method).Str("path", r.URL.Path).
			Err(apperrors.Wrapf(apperrors.ErrUpstreamError, "dispatch: %v", err)).
			Msg("upstream dispatch failed")
		writeStatus(w, r, http.StatusBadGateway, "upstream unavailable")
		return
	}
	defer resp.Body.Close()

	// An authentication rejection from downstream is a revocation signal:
	// the stored credential is stale, so the next request for this session
	// must re-authenticate instead of retrying with the same token.
	if resp.StatusCode == http.StatusUnauthorized {
		if err := e.resolver.MarkExpired(ctx, sessionID); err != nil {
			logger.Error().Str("session_id", sessionID).Err(err).Msg("failed to mark session expired")
		} else {
			logger.Warn().Str("session_id", sessionID).Msg("downstream rejected credential, session expired")
		}
	}

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(correlation.HeaderName, correlation.ID(ctx))
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Too late for a status change; the stream ends short and the
		// caller sees a truncated body.
		logger.Warn().Err(err).Msg("response stream interrupted")
	}
}

// dispatch sends the outbound request, retrying idempotent methods a
// bounded number of times on timeouts and connection failures. Mutating
// methods get exactly one attempt: a retry could duplicate a side effect.
func (e *Engine) dispatch(ctx context.Context, r *http.Request, token string) (*http.Response, error) {
	// A consumed body cannot be replayed, so only bodyless requests are
	// retry candidates.
	attempts := 1
	if idempotent(r.Method) && (r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0) {
		attempts += e.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := retryBaseBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		resp, err := e.httpClient.Do(e.outboundRequest(attemptCtx, r, token))
		if err == nil {
			// The response body must outlive this attempt; tie the
			// cancel to body close.
			resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}
		cancel()
		lastErr = err

		// The inbound caller going away is not retryable.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// outboundRequest builds the forwarded request: method, path and body
// verbatim, credential and correlation headers injected, spoofable and
// hop-by-hop headers stripped. The bearer token is attached here, just
// before dispatch, to minimise how long it exists outside sealed storage.
func (e *Engine) outboundRequest(ctx context.Context, r *http.Request, token string) *http.Request {
	outURL := *e.upstream
	outURL.Path, outURL.RawPath = joinURLPath(e.upstream, r.URL)
	outURL.RawQuery = r.URL.RawQuery

	out := r.Clone(ctx)
	out.URL = &outURL
	out.Host = outURL.Host
	out.RequestURI = "" // client requests must not set RequestURI

	stripHopByHopHeaders(out.Header)
	out.Header.Del("Authorization")
	out.Header.Set("Authorization", "Bearer "+token)
	out.Header.Set(correlation.HeaderName, correlation.ID(ctx))
	return out
}

func (e *Engine) writeResolveError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	switch {
	case apperrors.Is(err, apperrors.ErrSessionNotFound), apperrors.Is(err, apperrors.ErrSessionInvalid):
		logger.Warn().Err(err).Msg("unauthenticated forward attempt")
		writeStatus(w, r, http.StatusUnauthorized, "authentication required")
	case apperrors.Is(err, apperrors.ErrUpstreamUnavailable), apperrors.Is(err, apperrors.ErrProviderUnavailable):
		logger.Error().Err(err).Msg("credential refresh unavailable")
		writeStatus(w, r, http.StatusServiceUnavailable, "authentication service unavailable")
	default:
		logger.Error().Err(err).Msg("credential resolution failed")
		writeStatus(w, r, http.StatusInternalServerError, "internal error")
	}
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// hopByHopHeaders are connection-scoped and must not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopByHopHeaders(h http.Header) {
	for _, f := range strings.Split(h.Get("Connection"), ",") {
		if f = strings.TrimSpace(f); f != "" {
			h.Del(f)
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func copyHeaders(dst, src http.Header) {
	cleaned := src.Clone()
	stripHopByHopHeaders(cleaned)
	for name, values := range cleaned {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && b != "":
		return a + "/" + b
	}
	return a + b
}

// joinURLPath joins the upstream base path with the inbound path, keeping
// RawPath intact so encoded segments (for example %2F) are forwarded as the
// caller sent them.
func joinURLPath(a, b *url.URL) (path, rawpath string) {
	if a.RawPath == "" && b.RawPath == "" {
		return singleJoiningSlash(a.Path, b.Path), ""
	}
	apath := a.EscapedPath()
	bpath := b.EscapedPath()
	aslash := strings.HasSuffix(apath, "/")
	bslash := strings.HasPrefix(bpath, "/")
	switch {
	case aslash && bslash:
		return a.Path + b.Path[1:], apath + bpath[1:]
	case !aslash && !bslash:
		return a.Path + "/" + b.Path, apath + "/" + bpath
	}
	return a.Path + b.Path, apath + bpath
}

func writeStatus(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	if id := correlation.ID(r.Context()); id != "" {
		w.Header().Set(correlation.HeaderName, id)
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}
