// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/magnetcc/internal/api/handlers"
	"github.com/autobrr/magnetcc/internal/models"
	"github.com/autobrr/magnetcc/internal/rules"
	"github.com/autobrr/magnetcc/internal/services/reconcile"
	"github.com/autobrr/magnetcc/internal/tracker"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	host    string
	port    int
	baseURL string
	version string

	records    *models.RecordStore
	rules      *models.TrackerRuleStore
	aliases    *models.TrackerAliasStore
	health     *models.HealthStore
	engine     *rules.Engine
	resolver   *tracker.Resolver
	sessions   reconcile.Sessions
	dispatcher handlers.Dispatcher
	cycles     handlers.Cycles
}

type Dependencies struct {
	Host       string
	Port       int
	BaseURL    string
	Version    string
	Records    *models.RecordStore
	Rules      *models.TrackerRuleStore
	Aliases    *models.TrackerAliasStore
	Health     *models.HealthStore
	Engine     *rules.Engine
	Resolver   *tracker.Resolver
	Sessions   reconcile.Sessions
	Dispatcher handlers.Dispatcher
	Cycles     handlers.Cycles
}

func NewServer(deps *Dependencies) *Server {
	s := Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			// Manual triggers and sends run synchronously.
			WriteTimeout: 10 * time.Minute,
			IdleTimeout:  180 * time.Second,
		},
		logger:     log.Logger.With().Str("module", "api").Logger(),
		host:       deps.Host,
		port:       deps.Port,
		baseURL:    normalizeBaseURL(deps.BaseURL),
		version:    deps.Version,
		records:    deps.Records,
		rules:      deps.Rules,
		aliases:    deps.Aliases,
		health:     deps.Health,
		engine:     deps.Engine,
		resolver:   deps.Resolver,
		sessions:   deps.Sessions,
		dispatcher: deps.Dispatcher,
		cycles:     deps.Cycles,
	}

	return &s
}

func normalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return "/"
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := net.JoinHostPort(s.host, fmt.Sprint(s.port))

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msgf("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Str("base_url", s.baseURL).
		Msgf("Starting API server - http://%s%sapi", host, s.baseURL)

	s.server.Handler = s.Handler()

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	healthHandler := handlers.NewHealthHandler(s.records, s.version)
	cycleHandler := handlers.NewCycleHandler(s.cycles)
	recordHandler := handlers.NewRecordHandler(s.records, s.dispatcher, s.cycles)
	ruleHandler := handlers.NewRuleHandler(s.rules, s.engine, s.sessions)
	aliasHandler := handlers.NewAliasHandler(s.aliases, s.resolver)
	trackerHandler := handlers.NewTrackerHandler(s.records, s.health, s.sessions)

	apiRouter := chi.NewRouter()
	apiRouter.Group(func(r chi.Router) {
		r.Use(requestLogger(s.logger))

		r.Route("/cycles", func(r chi.Router) {
			r.Post("/", cycleHandler.Trigger)
			r.Get("/status", cycleHandler.Status)
		})

		r.Route("/records", func(r chi.Router) {
			r.Get("/", recordHandler.List)
			r.Post("/send", recordHandler.Send)
			r.Post("/reset", recordHandler.Reset)
			r.Get("/{hash}", recordHandler.Get)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", ruleHandler.List)
			r.Post("/", ruleHandler.Create)
			r.Post("/import", ruleHandler.Import)
			r.Get("/validate", ruleHandler.Validate)

			r.Route("/{id}", func(r chi.Router) {
				r.Put("/", ruleHandler.Update)
				r.Delete("/", ruleHandler.Delete)
			})
		})

		r.Route("/aliases", func(r chi.Router) {
			r.Get("/", aliasHandler.List)
			r.Post("/", aliasHandler.Create)
			r.Delete("/{host}", aliasHandler.Delete)
		})

		r.Get("/trackers", trackerHandler.Trackers)
		r.Get("/clients", trackerHandler.Clients)
	})

	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/healthz/readiness", healthHandler.HandleReady)
	r.Get("/healthz/liveness", healthHandler.HandleLiveness)

	r.Mount(s.baseURL+"api", apiRouter)

	if s.baseURL != "/" {
		r.Get("/", func(w http.ResponseWriter, request *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("Must use baseUrl: " + s.baseURL + " instead of /"))
		})
	}

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		})
	}
}
