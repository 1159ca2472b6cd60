package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-registrar/internal/auth"
	"github.com/JakeFAU/bulk-registrar/internal/catalog"
	"github.com/JakeFAU/bulk-registrar/internal/config"
	"github.com/JakeFAU/bulk-registrar/internal/crawl"
	"github.com/JakeFAU/bulk-registrar/internal/jobs"
	"github.com/JakeFAU/bulk-registrar/internal/metrics"
	"github.com/JakeFAU/bulk-registrar/internal/payment"
	"github.com/JakeFAU/bulk-registrar/internal/pricing"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
	"github.com/JakeFAU/bulk-registrar/internal/schedule"
	"github.com/JakeFAU/bulk-registrar/internal/subscription"
)

// DevUserHeader names the caller when authentication is disabled.
const DevUserHeader = "X-User-ID"

const defaultDevUser = "dev-user"

// Deps bundles the services the handlers call.
type Deps struct {
	Jobs          *jobs.Manager
	Crawls        *crawl.Orchestrator
	Schedules     *schedule.Service
	Prices        *pricing.Monitor
	Catalog       *catalog.Service
	Subscriptions *subscription.Service
	Payments      *payment.Service
	Credentials   registrar.CredentialStore
	Verifier      *auth.Verifier
	Revoker       auth.Revoker
	IDs           registrar.IDGenerator
	Clock         registrar.Clock
	// Ready reports whether downstream dependencies are reachable.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the registrar services.
type Server struct {
	router        chi.Router
	jobs          *jobs.Manager
	crawls        *crawl.Orchestrator
	schedules     *schedule.Service
	prices        *pricing.Monitor
	catalog       *catalog.Service
	subscriptions *subscription.Service
	payments      *payment.Service
	credentials   registrar.CredentialStore
	ids           registrar.IDGenerator
	clock         registrar.Clock
	ready         func(ctx context.Context) error
	maxUpload     int64
	logger        *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Enabled && (deps.Verifier == nil || deps.Revoker == nil) {
		return nil, errors.New("auth is enabled but no verifier or revoker was provided")
	}
	s := &Server{
		jobs:          deps.Jobs,
		crawls:        deps.Crawls,
		schedules:     deps.Schedules,
		prices:        deps.Prices,
		catalog:       deps.Catalog,
		subscriptions: deps.Subscriptions,
		payments:      deps.Payments,
		credentials:   deps.Credentials,
		ids:           deps.IDs,
		clock:         deps.Clock,
		ready:         deps.Ready,
		maxUpload:     int64(max(cfg.Server.MaxUploadMB, 1)) << 20,
		logger:        logger.Named("api"),
	}
	timeout := time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(recoverMiddleware(s.logger))
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(auth.Middleware(deps.Verifier, deps.Revoker, s.logger))
		} else {
			r.Use(devUserMiddleware)
		}

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Delete("/", s.deleteJob)
				r.Post("/start", s.startJob)
				r.Post("/cancel", s.cancelJob)
				r.Get("/results", s.jobResults)
				r.Get("/results/export", s.exportJobResults)
			})
		})
		r.Post("/images", s.uploadImage)

		r.Route("/crawl-jobs", func(r chi.Router) {
			r.Post("/", s.createCrawl)
			r.Get("/", s.listCrawls)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getCrawl)
				r.Delete("/", s.deleteCrawl)
				r.Post("/start", s.startCrawl)
				r.Post("/cancel", s.cancelCrawl)
				r.Get("/products", s.crawlProducts)
			})
		})
		r.Post("/quick-crawl", s.quickCrawl)
		r.Get("/quick-crawl/presets", s.presets)

		r.Route("/crawled-products", func(r chi.Router) {
			r.Get("/", s.listProducts)
			r.Post("/adjust-price", s.adjustPrice)
			r.Post("/register", s.registerProducts)
			r.Get("/export", s.exportProducts)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getProduct)
				r.Patch("/", s.updateProduct)
				r.Delete("/", s.deleteProduct)
				r.Get("/price-history", s.priceHistory)
			})
		})

		r.Route("/crawl-schedules", func(r chi.Router) {
			r.Post("/", s.createSchedule)
			r.Get("/", s.listSchedules)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getSchedule)
				r.Patch("/", s.updateSchedule)
				r.Delete("/", s.deleteSchedule)
			})
		})

		r.Route("/price-alerts", func(r chi.Router) {
			r.Post("/", s.createAlert)
			r.Get("/", s.listAlerts)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getAlert)
				r.Delete("/", s.deleteAlert)
			})
		})

		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/plans", s.plans)
			r.Get("/my", s.mySubscription)
			r.Get("/usage", s.usage)
			r.Post("/upgrade", s.upgrade)
			r.Post("/cancel", s.cancelSubscription)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/prepare", s.preparePayment)
			r.Post("/verify", s.verifyPayment)
			r.Post("/cancel", s.cancelPayment)
			r.Get("/history", s.paymentHistory)
			r.Get("/{id}", s.getPayment)
		})

		r.Route("/credentials", func(r chi.Router) {
			r.Post("/", s.createCredential)
			r.Get("/", s.listCredentials)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type requestIDKey struct{}

// RequestID returns the id assigned to the current request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			user, _ := auth.UserID(r.Context())
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("user_id", user),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", rec),
						zap.Stack("stack"),
					)
					writeError(w, http.StatusInternalServerError, "internal", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

// devUserMiddleware trusts DevUserHeader when authentication is disabled.
func devUserMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(DevUserHeader)
		if user == "" {
			user = defaultDevUser
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}
