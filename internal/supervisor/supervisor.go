package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"github.com/xela07ax/spaceai-controlplane/internal/reliability"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Prober — Health Check Engine
type Prober interface {
	Probe(ctx context.Context, spec domain.HealthCheckSpec) domain.HealthCheckResult
	ProbeMany(ctx context.Context, specs []domain.HealthCheckSpec) []domain.HealthCheckResult
}

type Launcher interface {
	Launch(ctx context.Context, agent domain.AgentDescriptor) error
	Terminate(ctx context.Context, agent domain.AgentDescriptor) error
}

// Discovery — реакция кэша эндпоинтов на смену здоровья
type Discovery interface {
	MarkUnhealthy(ctx context.Context, name string)
	Invalidate(name string)
}

// Maintainer — периодическая уборка Rule & Rate Engine
type Maintainer interface {
	Maintain() (purged []string, bursts int, windows int)
}

// Publisher рассылает смену здоровья другим инстансам
type Publisher interface {
	PublishHealth(ctx context.Context, name string, status domain.HealthStatus) error
}

// ServingSetter — gRPC health-сервер самого control plane (grpc/health.Server)
type ServingSetter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

type Observer interface {
	ObserveAgentHealth(name string, status domain.HealthStatus, regressed bool)
	ObserveRestart(name string, err error)
}

// AlertFunc вызывается на каждой регрессии HEALTHY -> другое
type AlertFunc func(agent string, prev, cur domain.HealthCheckResult)

// Deps — коллабораторы. Обязателен только Prober.
type Deps struct {
	Prober    Prober
	Launcher  Launcher
	Discovery Discovery
	Admission Maintainer
	Publisher Publisher
	Serving   ServingSetter
	Observer  Observer
	Alert     AlertFunc
}

type Options struct {
	CheckInterval       time.Duration
	MaintenanceInterval time.Duration
	RestartOnRegression bool
	Restart             reliability.Policy
}

// AgentState — что супервизор знает об агенте сейчас
type AgentState struct {
	Name        string              `json:"name"`
	Required    bool                `json:"required"`
	Status      domain.HealthStatus `json:"status"`
	Message     string              `json:"message,omitempty"`
	Since       time.Time           `json:"since"` // Когда статус стал текущим
	LastChecked time.Time           `json:"last_checked"`
	Restarts    int                 `json:"restarts"`
	Restarting  bool                `json:"restarting"`
}

type tracked struct {
	agent      domain.AgentDescriptor
	last       domain.HealthCheckResult
	since      time.Time
	restarts   int
	restarting bool
}

// Supervisor — фоновый цикл: пробы всех агентов и уборка правил доступа
type Supervisor struct {
	opts   Options
	deps   Deps
	logger *zap.Logger

	mu     sync.RWMutex
	agents map[string]*tracked

	restarts sync.WaitGroup
}

func New(opts Options, deps Deps, logger *zap.Logger) *Supervisor {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 15 * time.Second
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = 5 * time.Minute
	}
	return &Supervisor{
		opts:   opts,
		deps:   deps,
		logger: logger.Named("supervisor"),
		agents: make(map[string]*tracked),
	}
}

// Track ставит агента на наблюдение с известным последним результатом
func (s *Supervisor) Track(agent domain.AgentDescriptor, last domain.HealthCheckResult) {
	if last.ObservedAt.IsZero() {
		last.ObservedAt = time.Now()
	}
	s.mu.Lock()
	s.agents[agent.Name] = &tracked{agent: agent, last: last, since: last.ObservedAt}
	s.mu.Unlock()
	s.setServing(agent.Name, last.Status)
}

// TrackLaunched берет из отчета секвенсора всех агентов, которые были подняты
func (s *Supervisor) TrackLaunched(graph map[string]domain.AgentDescriptor, agents []domain.AgentReport) int {
	n := 0
	for _, rep := range agents {
		agent, ok := graph[rep.Name]
		if !ok {
			continue
		}
		switch rep.Status {
		case domain.AgentHealthy, domain.AgentUnhealthy:
		default:
			continue
		}
		last := domain.NewResult(domain.HealthUnhealthy, rep.Reason, nil)
		if rep.Health != nil {
			last = *rep.Health
		} else if rep.Status == domain.AgentHealthy {
			last = domain.NewResult(domain.HealthHealthy, "", nil)
		}
		s.Track(agent, last)
		n++
	}
	return n
}

func (s *Supervisor) Untrack(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.agents[name]
	delete(s.agents, name)
	return ok
}

// States — снимок по всем агентам в алфавитном порядке
func (s *Supervisor) States() []AgentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentState, 0, len(s.agents))
	for _, t := range s.agents {
		out = append(out, t.state())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) State(name string) (AgentState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.agents[name]
	if !ok {
		return AgentState{}, false
	}
	return t.state(), true
}

func (t *tracked) state() AgentState {
	return AgentState{
		Name:        t.agent.Name,
		Required:    t.agent.Required,
		Status:      t.last.Status,
		Message:     t.last.Message,
		Since:       t.since,
		LastChecked: t.last.ObservedAt,
		Restarts:    t.restarts,
		Restarting:  t.restarting,
	}
}

// Run крутит оба тикера до отмены ctx. Перед выходом дожидается начатых рестартов.
func (s *Supervisor) Run(ctx context.Context) error {
	check := time.NewTicker(s.opts.CheckInterval)
	defer check.Stop()
	maint := time.NewTicker(s.opts.MaintenanceInterval)
	defer maint.Stop()

	s.logger.Info("supervisor started",
		zap.Duration("check_interval", s.opts.CheckInterval),
		zap.Duration("maintenance_interval", s.opts.MaintenanceInterval),
	)
	defer s.restarts.Wait()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopping", zap.Error(ctx.Err()))
			return nil
		case <-check.C:
			s.CheckOnce(ctx)
		case <-maint.C:
			s.MaintainOnce()
		}
	}
}

// CheckOnce — один проход проб по всем агентам. Лок не держится во время сетевых вызовов.
func (s *Supervisor) CheckOnce(ctx context.Context) {
	// 1. Снимок под локом
	s.mu.RLock()
	names := make([]string, 0, len(s.agents))
	specs := make([]domain.HealthCheckSpec, 0, len(s.agents))
	for name, t := range s.agents {
		if t.restarting {
			continue
		}
		names = append(names, name)
		specs = append(specs, t.agent.Health)
	}
	s.mu.RUnlock()

	if len(specs) == 0 {
		return
	}

	// 2. Пробы пулом
	results := s.deps.Prober.ProbeMany(ctx, specs)

	// 3. Обработка: паника или ошибка одного агента не мешает остальным
	for i, name := range names {
		s.handle(ctx, name, results[i])
	}
}

func (s *Supervisor) handle(ctx context.Context, name string, cur domain.HealthCheckResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("agent check panicked", zap.String("agent", name), zap.Any("panic", r))
		}
	}()

	s.mu.Lock()
	t, ok := s.agents[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	prev := t.last
	t.last = cur
	if prev.Status != cur.Status {
		t.since = cur.ObservedAt
	}
	agent := t.agent
	s.mu.Unlock()

	regressed := prev.Healthy() && !cur.Healthy()
	recovered := !prev.Healthy() && cur.Healthy()

	if s.deps.Observer != nil {
		s.deps.Observer.ObserveAgentHealth(name, cur.Status, regressed)
	}

	switch {
	case regressed:
		s.logger.Warn("agent health regressed",
			zap.String("agent", name),
			zap.String("from", string(prev.Status)),
			zap.String("to", string(cur.Status)),
			zap.String("reason", cur.Message),
		)
		if s.deps.Alert != nil {
			s.deps.Alert(name, prev, cur)
		}
		if s.deps.Discovery != nil {
			s.deps.Discovery.MarkUnhealthy(ctx, name)
		}
		s.publish(ctx, name, cur.Status)
		s.setServing(name, cur.Status)
		if s.opts.RestartOnRegression && s.deps.Launcher != nil {
			s.startRestart(ctx, agent)
		}

	case recovered:
		s.logger.Info("agent recovered", zap.String("agent", name), zap.String("from", string(prev.Status)))
		if s.deps.Discovery != nil {
			s.deps.Discovery.Invalidate(name)
		}
		s.publish(ctx, name, cur.Status)
		s.setServing(name, cur.Status)
	}
}

// startRestart запускает рестарт в фоне; повторный рестарт того же агента не стартует
func (s *Supervisor) startRestart(ctx context.Context, agent domain.AgentDescriptor) {
	s.mu.Lock()
	t, ok := s.agents[agent.Name]
	if !ok || t.restarting {
		s.mu.Unlock()
		return
	}
	t.restarting = true
	s.mu.Unlock()

	s.restarts.Go(func() {
		err := s.restart(ctx, agent)

		s.mu.Lock()
		if t, ok := s.agents[agent.Name]; ok {
			t.restarting = false
			t.restarts++
		}
		s.mu.Unlock()

		if s.deps.Observer != nil {
			s.deps.Observer.ObserveRestart(agent.Name, err)
		}
	})
}

// restart: terminate + launch + проба, с общим комбинатором повторов
func (s *Supervisor) restart(ctx context.Context, agent domain.AgentDescriptor) (err error) {
	log := s.logger.With(zap.String("agent", agent.Name))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("restart panicked: %v", r)
			log.Error("restart panicked", zap.Any("panic", r))
		}
	}()

	var last domain.HealthCheckResult
	attempts, err := reliability.Do(ctx, s.opts.Restart, func(ctx context.Context, attempt uint) error {
		if tErr := s.deps.Launcher.Terminate(ctx, agent); tErr != nil {
			log.Debug("terminate before restart failed", zap.Error(tErr))
		}
		if lErr := s.deps.Launcher.Launch(ctx, agent); lErr != nil {
			log.Warn("restart launch failed", zap.Uint("attempt", attempt), zap.Error(lErr))
			return fmt.Errorf("%w: %v", domain.ErrLaunchFailed, lErr)
		}
		last = s.deps.Prober.Probe(ctx, agent.Health)
		return last.Err()
	})
	if err != nil {
		log.Error("agent restart failed", zap.Uint("attempts", attempts), zap.Error(err))
		return err
	}

	log.Info("agent restarted", zap.Uint("attempts", attempts))
	s.handle(ctx, agent.Name, last)
	return nil
}

// MaintainOnce — медленный тик: истекшие правила, burst, пустые окна
func (s *Supervisor) MaintainOnce() {
	if s.deps.Admission == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("maintenance panicked", zap.Any("panic", r))
		}
	}()
	purged, bursts, windows := s.deps.Admission.Maintain()
	s.logger.Debug("admission maintenance done",
		zap.Strings("purged_rules", purged),
		zap.Int("bursts_reset", bursts),
		zap.Int("windows_swept", windows),
	)
}

func (s *Supervisor) publish(ctx context.Context, name string, status domain.HealthStatus) {
	if s.deps.Publisher == nil {
		return
	}
	if err := s.deps.Publisher.PublishHealth(ctx, name, status); err != nil {
		s.logger.Warn("health signal publish failed", zap.String("agent", name), zap.Error(err))
	}
}

func (s *Supervisor) setServing(name string, status domain.HealthStatus) {
	if s.deps.Serving == nil {
		return
	}
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if status == domain.HealthHealthy {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.deps.Serving.SetServingStatus(name, st)
}
