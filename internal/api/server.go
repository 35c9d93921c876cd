package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/spaceai-controlplane/internal/admission"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"github.com/xela07ax/spaceai-controlplane/internal/engine"
	"github.com/xela07ax/spaceai-controlplane/internal/infra/auth"
	"github.com/xela07ax/spaceai-controlplane/internal/supervisor"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AgentStates — что супервизор знает об агентах
type AgentStates interface {
	States() []supervisor.AgentState
	State(name string) (supervisor.AgentState, bool)
}

// Prober — разовая проба по запросу оператора
type Prober interface {
	Probe(ctx context.Context, spec domain.HealthCheckSpec) domain.HealthCheckResult
}

// Discovery — Discovery Client
type Discovery interface {
	Resolve(ctx context.Context, name string) (domain.ServiceEndpoint, error)
	Register(ctx context.Context, ep domain.ServiceEndpoint) error
	Unregister(ctx context.Context, name string) error
	Snapshot() []domain.ServiceEndpoint
}

// JournalReader — долговременный журнал событий безопасности (Postgres)
type JournalReader interface {
	Recent(ctx context.Context, since time.Time, limit int) ([]domain.SecurityEvent, error)
}

// Deps — зависимости admin API. Optional-поля могут быть nil.
type Deps struct {
	Graph     map[string]domain.AgentDescriptor
	Agents    AgentStates
	Prober    Prober
	Discovery Discovery
	Admission *admission.Engine

	Rules     *engine.RuleSync         // nil — правила меняются только в памяти
	Blocklist *engine.BlocklistManager // nil — блоклист только в памяти
	Journal   JournalReader            // nil — только кольцевой буфер

	// Validator — RS256/API-key. nil — мутирующие роуты закрыты.
	Validator auth.TokenValidator
	Gatherer  prometheus.Gatherer

	RequestsPerSecond float64
	Burst             int
}

// Server — admin/control API control plane
type Server struct {
	router *chi.Mux
	logger *zap.Logger
	deps   Deps
}

func NewServer(deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		logger: logger.Named("admin-api"),
		deps:   deps,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(TracingMiddleware)
	r.Use(middleware.RealIP)
	r.Use(ZapLogger(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (мониторинг) ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// --- 3. API под защитой движка доступа ---
	r.Group(func(r chi.Router) {
		if s.deps.RequestsPerSecond > 0 {
			r.Use(FloodGuard(rate.NewLimiter(rate.Limit(s.deps.RequestsPerSecond), max(1, s.deps.Burst))))
		}
		if s.deps.Admission != nil {
			r.Use(AdmissionMiddleware(s.deps.Admission, s.logger))
		}

		// Агенты
		r.Route("/v1/agents", func(r chi.Router) {
			r.Get("/", s.listAgents)
			r.Get("/{name}", s.getAgent)
			r.Post("/{name}/probe", s.probeAgent)
		})

		// Discovery
		r.Route("/v1/discovery", func(r chi.Router) {
			r.Get("/", s.discoverySnapshot)
			r.Get("/{name}", s.resolve)
			r.Group(func(r chi.Router) {
				r.Use(s.requireScope(domain.ScopeAgentsOps))
				r.Post("/", s.register)
				r.Delete("/{name}", s.unregister)
			})
		})

		// Rule & Rate Engine
		r.Post("/v1/access/evaluate", s.evaluate)
		r.Post("/v1/ratelimit/check", s.checkRateLimit)
		r.Get("/v1/ratelimit/rules", s.listRateLimits)

		r.Route("/v1/rules", func(r chi.Router) {
			r.Get("/", s.listRules)
			r.Get("/{name}", s.getRule)
			r.Group(func(r chi.Router) {
				r.Use(s.requireScope(domain.ScopeRulesWrite))
				r.Post("/", s.upsertRule)
				r.Delete("/{name}", s.deleteRule)
			})
		})

		r.Route("/v1/blocklist", func(r chi.Router) {
			r.Get("/", s.listBlocklist)
			r.Group(func(r chi.Router) {
				r.Use(s.requireScope(domain.ScopeAgentsOps))
				r.Post("/", s.block)
				r.Delete("/", s.unblock)
			})
		})

		// События безопасности
		r.Get("/v1/security/events", s.securityEvents)
		r.Get("/v1/security/summary", s.securitySummary)
		r.Get("/v1/security/journal", s.securityJournal)
	})
}

// requireScope — RS256/API-key проверка; без валидатора мутации закрыты
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	if s.deps.Validator == nil {
		return func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusServiceUnavailable, "operator auth is not configured")
			})
		}
	}
	return auth.NewMiddleware(s.deps.Validator, s.logger, scope)
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
