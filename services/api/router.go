package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"fleetd/pkg/envelope"
	"fleetd/services/hub"
)

const (
	defaultEnrollRate  = 30
	defaultPresignTTL  = 15 * time.Minute
	defaultUploadLimit = 4 << 30
	envelopeBodyLimit  = 1 << 20
	jsonTimeout        = 60 * time.Second
)

// Config controls runtime behaviour for the HTTP handlers.
type Config struct {
	// AdminToken guards /v1. The management routes are not mounted when empty.
	AdminToken     string
	AllowedOrigins []string
	// EnrollRate is the per-IP request budget per minute on /enroll.
	EnrollRate  int
	PresignTTL  time.Duration
	UploadLimit int64
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Presigner issues time-limited download links for mirrored objects.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Services holds the hub components the handlers call into.
type Services struct {
	Sealer      *envelope.Sealer
	Enrollment  *hub.Enrollment
	Deployments *hub.Deployments
	Inventory   *hub.Inventory
	Pipeline    *hub.Pipeline
	Reconciler  *hub.Reconciler
	Metrics     *hub.Metrics

	// Optional collaborators.
	Gatherer   prometheus.Gatherer
	Ready      Pinger
	Presigner  Presigner
	Middleware func(http.Handler) http.Handler
	Logger     zerolog.Logger
}

// API wires the hub services to HTTP.
type API struct {
	svc    Services
	config Config
	logger zerolog.Logger
}

// New validates the services and applies defaults to cfg.
func New(svc Services, cfg Config) (*API, error) {
	switch {
	case svc.Sealer == nil:
		return nil, errors.New("sealer is required")
	case svc.Enrollment == nil:
		return nil, errors.New("enrollment service is required")
	case svc.Deployments == nil:
		return nil, errors.New("deployments service is required")
	case svc.Inventory == nil:
		return nil, errors.New("inventory service is required")
	case svc.Pipeline == nil:
		return nil, errors.New("pipeline is required")
	case svc.Reconciler == nil:
		return nil, errors.New("reconciler is required")
	}
	if svc.Gatherer == nil {
		svc.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.EnrollRate <= 0 {
		cfg.EnrollRate = defaultEnrollRate
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = defaultPresignTTL
	}
	if cfg.UploadLimit <= 0 {
		cfg.UploadLimit = defaultUploadLimit
	}
	return &API{svc: svc, config: cfg, logger: svc.Logger.With().Str("component", "api").Logger()}, nil
}

// Routes constructs the chi router containing all endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if a.svc.Middleware != nil {
		r.Use(a.svc.Middleware)
	}

	allowed := a.config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.svc.Gatherer, promhttp.HandlerOpts{}))

	// Agent surface.
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(a.config.EnrollRate, time.Minute))
		r.Use(middleware.Timeout(jsonTimeout))
		r.Post("/enroll", a.handleAnnounce)
		r.Post("/enroll/verify", a.handleVerify)
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(jsonTimeout))
		r.Post("/poll", a.handlePoll)
		r.Post("/deployment/details", a.handleDeploymentDetails)
		r.Post("/deployment/result", a.handleDeploymentResult)
	})
	// Downloads stream large bodies and run without the request timeout.
	r.Post("/binary", a.handleBinary)
	r.Post("/deployment/{id}", a.handleDeploymentDownload)

	if a.config.AdminToken == "" {
		a.logger.Warn().Msg("ADMIN_TOKEN not set; management routes disabled")
		return r, nil
	}
	r.Route("/v1", func(r chi.Router) {
		r.Use(requireBearer(a.config.AdminToken))
		r.Post("/packages", a.handleUploadPackage)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(jsonTimeout))
			r.Get("/packages", a.handleListPackages)
			r.Delete("/packages/{id}", a.handleDeletePackage)
			r.Get("/packages/{id}/mirror", a.handlePackageMirror)

			r.Get("/agents", a.handleListAgents)
			r.Delete("/agents/{id}", a.handleDeleteAgent)

			r.Post("/groups", a.handleCreateGroup)
			r.Get("/groups", a.handleListGroups)
			r.Delete("/groups/{id}", a.handleDeleteGroup)
			r.Post("/groups/{id}/agents", a.handleAddGroupAgent)
			r.Post("/groups/{id}/packages", a.handleAddGroupPackage)
			r.Delete("/groups/{id}/agents/{agentID}", a.handleRemoveGroupAgent)
			r.Delete("/groups/{id}/packages/{packageID}", a.handleRemoveGroupPackage)

			r.Post("/deployments", a.handleCreateDeployment)
			r.Get("/deployments", a.handleListDeployments)
			r.Delete("/deployments/{id}", a.handleDeleteDeployment)

			r.Post("/registration-token", a.handleRotateToken)
			r.Post("/reconcile", a.handleReconcile)
			r.Get("/audit", a.handleAudit)
		})
	})

	return r, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.svc.Ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.svc.Ready.Ping(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("readiness check failed")
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
