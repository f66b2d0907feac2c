// Package httpapi is the gateway's external surface: the OpenAI-compatible
// /v1/chat/completions endpoint, the /health probe, the thin admin CRUD
// wrappers over the session pool, and the operator-facing live log/metrics
// feed.
package httpapi

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/cookierelay/cookierelay/pkg/config"
	"github.com/cookierelay/cookierelay/pkg/logutil"
	"github.com/cookierelay/cookierelay/pkg/persistence"
	"github.com/cookierelay/cookierelay/pkg/ratelimit"
	"github.com/cookierelay/cookierelay/pkg/resilience"
	"github.com/cookierelay/cookierelay/pkg/sessionpool"
	"github.com/cookierelay/cookierelay/pkg/telemetry"
)

// Deps collects the components the composition root assembles and hands to
// NewServer; none of them are owned by this package.
type Deps struct {
	ConfigStore *config.ServerConfigStore
	Pool        *sessionpool.Pool
	Store       *persistence.Store
	Coordinator *resilience.Coordinator
	Breaker     *resilience.CircuitBreaker
	Telemetry   *telemetry.Sink
	Limiter     *ratelimit.Limiter
}

type Server struct {
	configStore *config.ServerConfigStore
	pool        *sessionpool.Pool
	store       *persistence.Store
	coordinator *resilience.Coordinator
	breaker     *resilience.CircuitBreaker
	telemetry   *telemetry.Sink
	limiter     *ratelimit.Limiter
	feed        *logFeed

	httpServer          *http.Server
	activeProxyRequests atomic.Int64
	draining            atomic.Bool
}

func NewServer(deps Deps) *Server {
	s := &Server{
		configStore: deps.ConfigStore,
		pool:        deps.Pool,
		store:       deps.Store,
		coordinator: deps.Coordinator,
		breaker:     deps.Breaker,
		telemetry:   deps.Telemetry,
		limiter:     deps.Limiter,
		feed:        newLogFeed(),
	}
	logutil.SetOutputTee(s.feed)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.lifecycleMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if s.limiter != nil {
		r.Use(ratelimit.Middleware(s.limiter, ratelimit.DefaultKeyFunc))
	}

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.requireAuth)
		v1.Post("/chat/completions", s.handleChatCompletions)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.requireAuth)
		admin.Use(requireRole(config.TokenRoleOperator))
		admin.Get("/metrics", s.handleMetrics)
		admin.Get("/stats", s.handleStats)
		admin.Get("/sessions", s.handleListSessions)
		admin.Post("/sessions", s.handleCreateSession)
		admin.Post("/sessions/import", s.handleImportSessions)
		admin.Post("/sessions/{id}/quarantine", s.handleQuarantineSession)
		admin.Post("/sessions/{id}/revoke", s.handleRevokeSession)
		admin.Post("/sessions/{id}/activate", s.handleActivateSession)
		admin.Post("/sessions/{id}/retire", s.handleRetireSession)
		admin.Get("/ws", s.requireWebsocketAuth(s.handleAdminWebsocket))
	})

	cfg := s.configStore.Snapshot()
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.telemetry == nil {
		writeError(w, r, ErrTypeInternal, "telemetry is disabled")
		return
	}
	promhttp.HandlerFor(s.telemetry.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// requireWebsocketAuth reads the bearer token from the Authorization header
// or a ?token= query parameter, since browsers' native WebSocket API cannot
// set custom request headers.
func (s *Server) requireWebsocketAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		cfg := s.configStore.Snapshot()
		id, ok := resolveIdentity(token, cfg.IncomingTokens)
		if !ok || roleRank(id.Role) < roleRank(config.TokenRoleOperator) {
			writeError(w, r, ErrTypeAuth, "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

// Run serves until ctx is cancelled, then drains in-flight /v1 requests
// before shutting the listener(s) down.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.configStore.Snapshot()
	errCh := make(chan error, 2)

	if cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              cfg.TLS.ListenAddr,
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			WriteTimeout:      s.httpServer.WriteTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}

		var httpChallenge *http.Server
		if cfg.HTTPMode != "disabled" {
			httpChallenge = &http.Server{
				Addr:              ":80",
				Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				log.Printf("http challenge/redirect listening on :80")
				if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("http challenge server: %w", err)
				}
			}()
		}

		go func() {
			log.Printf("https listening on %s for %s", httpsSrv.Addr, cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		s.draining.Store(true)
		s.waitForIdle(ctx)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if httpChallenge != nil {
			_ = httpChallenge.Shutdown(shutdownCtx)
		}
		_ = httpsSrv.Shutdown(shutdownCtx)
		return firstErr(errCh)
	}

	go func() {
		log.Printf("cookierelay listening on %s", cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	<-ctx.Done()
	s.draining.Store(true)
	s.waitForIdle(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return firstErr(errCh)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func (s *Server) lifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isProxyReq := strings.HasPrefix(r.URL.Path, "/v1/")
		if isProxyReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		if isProxyReq {
			s.activeProxyRequests.Add(1)
			defer s.activeProxyRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		if s.activeProxyRequests.Load() <= 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func firstErr(ch chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}
