package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-controlplane/internal/admission"
	"github.com/xela07ax/spaceai-controlplane/internal/api"
	"github.com/xela07ax/spaceai-controlplane/internal/audit"
	"github.com/xela07ax/spaceai-controlplane/internal/discovery"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"github.com/xela07ax/spaceai-controlplane/internal/engine"
	"github.com/xela07ax/spaceai-controlplane/internal/health"
	"github.com/xela07ax/spaceai-controlplane/internal/infra"
	"github.com/xela07ax/spaceai-controlplane/internal/infra/auth"
	"github.com/xela07ax/spaceai-controlplane/internal/launcher"
	"github.com/xela07ax/spaceai-controlplane/internal/metrics"
	"github.com/xela07ax/spaceai-controlplane/internal/reliability"
	"github.com/xela07ax/spaceai-controlplane/internal/repository/postgres"
	"github.com/xela07ax/spaceai-controlplane/internal/sequencer"
	"github.com/xela07ax/spaceai-controlplane/internal/supervisor"
	"go.uber.org/zap"
	grpchealth "google.golang.org/grpc/health"
)

// app — собранный control plane. Redis и Postgres необязательны.
type app struct {
	cfg    *infra.Config
	graph  infra.AgentGraph
	logger *zap.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	rdb  *redis.Client
	pool *pgxpool.Pool

	journal   *audit.Journal
	admission *admission.Engine
	rules     *engine.RuleSync
	blocklist *engine.BlocklistManager

	checker    *health.Checker
	discovery  *discovery.Client
	launcher   *launcher.Exec
	sequencer  *sequencer.Sequencer
	supervisor *supervisor.Supervisor
	grpcHealth *grpchealth.Server
	api        *api.Server
}

func buildApp(ctx context.Context, cfg *infra.Config, graph infra.AgentGraph, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, graph: graph, logger: logger}

	// 1. Метрики
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewMetrics(a.registry)

	// 2. Инфраструктура
	if cfg.Redis.Addr != "" {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("redis unreachable: %w", err)
		}
	}
	var (
		ruleRepo  *postgres.RuleRepo
		eventRepo *postgres.EventRepo
	)
	if cfg.Database.URL != "" {
		pool, err := postgres.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			a.close()
			return nil, err
		}
		a.pool = pool
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			a.close()
			return nil, err
		}
		ruleRepo = postgres.NewRuleRepo(pool)
		eventRepo = postgres.NewEventRepo(pool)
	}

	// 3. Rule & Rate Engine (+ журнал в Postgres)
	var sink admission.Sink
	if eventRepo != nil {
		a.journal = audit.NewJournal(audit.Options{
			Buffer:        cfg.Admission.JournalBuffer,
			FlushInterval: cfg.Admission.JournalFlushInterval,
		}, eventRepo, a.metrics, logger)
		sink = a.journal
	}
	adm, err := admission.NewEngine(admission.Options{
		Whitelist:  cfg.Admission.Whitelist,
		Rules:      cfg.Admission.Rules,
		RateLimits: cfg.Admission.RateLimits,
	}, admission.NewEventLog(cfg.Admission.EventsBuffer, sink), a.metrics, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.admission = adm

	if a.rdb != nil {
		a.blocklist = engine.NewBlocklistManager(a.rdb, adm, logger)
		if err := a.blocklist.Init(ctx, cfg.Admission.Blacklist); err != nil {
			a.close()
			return nil, err
		}
	} else if err := adm.SetBlacklist(cfg.Admission.Blacklist); err != nil {
		a.close()
		return nil, err
	}
	if ruleRepo != nil {
		a.rules = engine.NewRuleSync(ruleRepo, adm, a.rdb, cfg.Admission.Rules, logger)
		if err := a.rules.Reload(ctx); err != nil {
			a.close()
			return nil, err
		}
	}

	// 4. Health Check Engine и Discovery Client
	a.checker = health.NewChecker(health.Options{Workers: cfg.Health.Workers, Ceiling: cfg.Health.Ceiling}, logger, a.metrics)
	a.discovery = discovery.NewClient(discovery.Options{
		CacheTTL:          cfg.Discovery.CacheTTL,
		StepTimeout:       cfg.Discovery.StepTimeout,
		DefaultProtocol:   cfg.Discovery.DefaultProtocol,
		ValidateMesh:      cfg.Discovery.ValidateMesh,
		ProbeTimeout:      cfg.Health.Timeout,
		RequestsPerSecond: cfg.Discovery.RequestsPerSecond,
		BreakerFailures:   cfg.Discovery.BreakerFailures,
		BreakerTimeout:    cfg.Discovery.BreakerTimeout,
		OnBreakerChange:   a.metrics.BreakerChanged,
		RegisterRetry: reliability.Policy{
			Attempts:  cfg.Sequencer.LaunchAttempts,
			BaseDelay: cfg.Sequencer.LaunchBaseDelay,
		},
	}, a.backends(), a.checker, a.metrics, logger)

	// 5. Запуск и надзор
	a.launcher = launcher.NewExec(0, logger)
	a.sequencer = sequencer.New(sequencer.Options{
		SettleInterval: cfg.Sequencer.SettleInterval,
		Launch: reliability.Policy{
			Attempts:  cfg.Sequencer.LaunchAttempts,
			BaseDelay: cfg.Sequencer.LaunchBaseDelay,
		},
		Health: reliability.Policy{
			Attempts:  cfg.Sequencer.HealthAttempts,
			BaseDelay: cfg.Sequencer.HealthBaseDelay,
			MaxDelay:  cfg.Sequencer.HealthMaxDelay,
		},
		FoundationAgents: cfg.Sequencer.FoundationAgents,
	}, a.launcher, a.checker, a.discovery, a.metrics, logger)

	a.grpcHealth = grpchealth.NewServer()
	deps := supervisor.Deps{
		Prober:    a.checker,
		Launcher:  a.launcher,
		Discovery: a.discovery,
		Admission: maintenance{engine: adm, rules: ruleRepo, logger: logger},
		Serving:   a.grpcHealth,
		Observer:  a.metrics,
		Alert: func(agent string, prev, cur domain.HealthCheckResult) {
			logger.Error("agent health regressed",
				zap.String("agent", agent), zap.String("was", string(prev.Status)),
				zap.String("now", string(cur.Status)), zap.String("reason", cur.Message))
		},
	}
	if a.rdb != nil {
		deps.Publisher = engine.NewHealthPublisher(a.rdb)
	}
	a.supervisor = supervisor.New(supervisor.Options{
		CheckInterval:       cfg.Supervisor.CheckInterval,
		MaintenanceInterval: cfg.Supervisor.MaintenanceInterval,
		RestartOnRegression: cfg.Supervisor.RestartOnRegression,
		Restart: reliability.Policy{
			Attempts:  cfg.Supervisor.RestartAttempts,
			BaseDelay: cfg.Sequencer.LaunchBaseDelay,
			MaxDelay:  cfg.Sequencer.HealthMaxDelay,
		},
	}, deps, logger)

	// 6. Admin API
	apiDeps := api.Deps{
		Graph:             graph,
		Agents:            a.supervisor,
		Prober:            a.checker,
		Discovery:         a.discovery,
		Admission:         adm,
		Rules:             a.rules,
		Blocklist:         a.blocklist,
		Gatherer:          a.registry,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
	}
	if eventRepo != nil {
		apiDeps.Journal = eventRepo
	}
	if v := a.validator(); v != nil {
		apiDeps.Validator = v
	}
	a.api = api.NewServer(apiDeps, logger)

	return a, nil
}

// backends собирает цепочку резолва из секции discovery
func (a *app) backends() discovery.Backends {
	dc := a.cfg.Discovery
	ports := make(map[string]int, len(a.graph))
	for name, agent := range a.graph {
		ports[name] = agent.Port
	}

	b := discovery.Backends{
		Hostname: discovery.NewHostnameResolver(dc.Hosts, ports, dc.HostnameSuffix, dc.DefaultProtocol),
	}
	if dc.MeshURL != "" {
		b.Mesh = discovery.NewMeshRegistry(dc.MeshURL, &http.Client{Timeout: dc.StepTimeout})
	}
	for _, addr := range dc.LegacyAddrs {
		b.Legacy = append(b.Legacy, discovery.NewLegacyRegistry(addr))
	}
	if a.rdb != nil {
		b.Twin = discovery.NewTwinRegistry(a.rdb, dc.TwinNamespace, dc.TwinTTL)
	}
	return b
}

// validator — nil, если не настроен ни JWT ключ, ни API-ключ
func (a *app) validator() *auth.BaseValidator {
	ac := a.cfg.Auth
	if len(ac.PublicKey) == 0 && ac.APIKeyHash == "" {
		a.logger.Warn("operator auth is not configured, mutating API routes are disabled")
		return nil
	}
	var pub *rsa.PublicKey
	if len(ac.PublicKey) > 0 {
		key, err := auth.ParseRSAPublicKey(ac.PublicKey)
		if err != nil {
			a.logger.Error("bad public key, jwt auth disabled", zap.Error(err))
		} else {
			pub = key
		}
	}
	return auth.NewBaseValidator(pub, ac.APIKeyHash)
}

func (a *app) close() {
	if a.journal != nil {
		a.journal.Stop()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}

// maintenance — периодическая уборка: правила и лимиты в памяти плюс истекшие правила в БД
type maintenance struct {
	engine *admission.Engine
	rules  *postgres.RuleRepo // может быть nil
	logger *zap.Logger
}

func (m maintenance) Maintain() (purged []string, bursts int, windows int) {
	purged, bursts, windows = m.engine.Maintain()
	if m.rules == nil {
		return purged, bursts, windows
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := m.rules.PurgeExpired(ctx)
	if err != nil {
		m.logger.Error("failed to purge expired rules from DB", zap.Error(err))
	} else if n > 0 {
		m.logger.Info("expired rules purged from DB", zap.Int64("count", n))
	}
	return purged, bursts, windows
}
