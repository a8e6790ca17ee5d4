package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/openfroyo/barclamp/pkg/engine"
)

// Service is the lifecycle facade served by the API. *engine.Lifecycle implements it.
type Service interface {
	Create(ctx context.Context, req engine.CreateRequest) (*engine.Proposal, error)
	Edit(ctx context.Context, id string, req engine.EditRequest) (*engine.Proposal, error)
	SaveAndCommit(ctx context.Context, id string, req engine.EditRequest) (*engine.CommitResult, error)
	Commit(ctx context.Context, id string) (*engine.CommitResult, error)
	Dequeue(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	Show(ctx context.Context, id string) (*engine.Proposal, error)
	List(ctx context.Context, module string) (*engine.ProposalList, error)
	ListStatuses(ctx context.Context, filterID string) (*engine.StatusReport, error)
	Modules(ctx context.Context) (*engine.ModuleListing, error)
	Members(ctx context.Context, module string) ([]engine.ModuleSummary, error)
	Versions(ctx context.Context) map[string]string
	ShowActive(ctx context.Context, id string) (*engine.ActiveBinding, error)
	Activate(ctx context.Context, id, targetID string) error
	Deactivate(ctx context.Context, id string) error
	RecordTransition(ctx context.Context, targetID, nodeName, state string) (*engine.TransitionRecord, error)
	QueryTransitions(ctx context.Context, targetID string) ([]engine.NodeState, error)
	TransitionHistory(ctx context.Context, targetID string) ([]*engine.TransitionRecord, error)
	QueueEntries(ctx context.Context) ([]*engine.QueueEntry, error)
}

var _ Service = (*engine.Lifecycle)(nil)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	// Service is the lifecycle facade. Required.
	Service Service

	// Health is checked by /health. Optional.
	Health HealthChecker

	// Metrics serves /metrics. Optional.
	Metrics http.Handler

	// RequestTimeout bounds every request. Defaults to 60s.
	RequestTimeout time.Duration

	Logger zerolog.Logger
}

// Server exposes the lifecycle operations as a JSON API.
type Server struct {
	svc     Service
	health  HealthChecker
	metrics http.Handler
	timeout time.Duration
	logger  zerolog.Logger
}

// NewServer creates an API server.
func NewServer(opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	return &Server{
		svc:     opts.Service,
		health:  opts.Health,
		metrics: opts.Metrics,
		timeout: opts.RequestTimeout,
		logger:  opts.Logger.With().Str("component", "api").Logger(),
	}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/barclamps", func(r chi.Router) {
		r.Get("/", s.handleModules)
		r.Get("/versions", s.handleVersions)
		r.Get("/{barclamp}", s.handleList)
		r.Get("/{barclamp}/members", s.handleMembers)
		r.Get("/{barclamp}/proposals", s.handleProposalNames)
	})

	r.Route("/proposals", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/status", s.handleStatus)
		r.Get("/{id}", s.handleShow)
		r.Put("/{id}", s.handleEdit)
		r.Post("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
		r.Post("/{id}/commit", s.handleCommit)
		r.Post("/{id}/dequeue", s.handleDequeue)
	})

	r.Route("/active", func(r chi.Router) {
		r.Get("/{id}", s.handleShowActive)
		r.Put("/{id}", s.handleActivate)
		r.Delete("/{id}", s.handleDeactivate)
	})

	r.Route("/transitions/{target}", func(r chi.Router) {
		r.Get("/", s.handleQueryTransitions)
		r.Post("/", s.handleRecordTransition)
		r.Get("/history", s.handleTransitionHistory)
	})

	r.Get("/queue", s.handleQueue)

	return r
}

// requestLogger logs one line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}
