package sequencer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"github.com/xela07ax/spaceai-controlplane/internal/reliability"
	"go.uber.org/zap"
)

// Launcher — внешний механизм запуска процессов агентов
type Launcher interface {
	Launch(ctx context.Context, agent domain.AgentDescriptor) error
	Terminate(ctx context.Context, agent domain.AgentDescriptor) error
}

// Prober — Health Check Engine с повторами
type Prober interface {
	ProbeUntilHealthy(ctx context.Context, spec domain.HealthCheckSpec, policy reliability.Policy) (domain.HealthCheckResult, uint)
}

// Registrar — Discovery Client со стороны регистрации
type Registrar interface {
	Register(ctx context.Context, ep domain.ServiceEndpoint) error
	Unregister(ctx context.Context, name string) error
}

// Observer получает терминальные статусы агентов (метрики)
type Observer interface {
	ObserveAgentStatus(name string, status domain.AgentStatus)
}

type Options struct {
	SettleInterval   time.Duration
	Launch           reliability.Policy
	Health           reliability.Policy
	FoundationAgents []string
	RollbackTimeout  time.Duration
}

type Sequencer struct {
	opts      Options
	launcher  Launcher
	prober    Prober
	registrar Registrar // может быть nil
	observer  Observer  // может быть nil
	logger    *zap.Logger
}

func New(opts Options, launcher Launcher, prober Prober, registrar Registrar, observer Observer, logger *zap.Logger) *Sequencer {
	if opts.RollbackTimeout <= 0 {
		opts.RollbackTimeout = 30 * time.Second
	}
	return &Sequencer{
		opts:      opts,
		launcher:  launcher,
		prober:    prober,
		registrar: registrar,
		observer:  observer,
		logger:    logger.Named("sequencer"),
	}
}

// ComputeOrder — порядок запуска с учетом настроенных foundation агентов
func (s *Sequencer) ComputeOrder(agents []domain.AgentDescriptor) ([]string, error) {
	return ComputeOrder(agents, s.opts.FoundationAgents, s.logger)
}

// Run вычисляет порядок и запускает граф. Цикл не фатален: отчет помечается CycleNodes.
func (s *Sequencer) Run(ctx context.Context, graph map[string]domain.AgentDescriptor) Report {
	agents := make([]domain.AgentDescriptor, 0, len(graph))
	for _, a := range graph {
		agents = append(agents, a)
	}

	order, err := s.ComputeOrder(agents)
	var cycle *domain.CycleError
	if errors.As(err, &cycle) {
		s.logger.Warn("launching with fallback order", zap.Strings("cycle_nodes", cycle.Nodes))
	}

	report := s.LaunchAll(ctx, graph, order)
	if cycle != nil {
		report.CycleNodes = cycle.Nodes
	}
	return report
}

// LaunchAll запускает агентов строго по order. Агент стартует только после того,
// как все предыдущие стали HEALTHY или исчерпали попытки.
// Провал required агента прерывает последовательность и откатывает уже запущенных.
func (s *Sequencer) LaunchAll(ctx context.Context, graph map[string]domain.AgentDescriptor, order []string) Report {
	report := Report{Order: order, StartedAt: time.Now()}
	report.Agents = make([]domain.AgentReport, 0, len(order))
	index := make(map[string]int, len(order))
	for _, name := range order {
		index[name] = len(report.Agents)
		report.Agents = append(report.Agents, domain.AgentReport{
			Name:     name,
			Required: graph[name].Required,
			Status:   domain.AgentNotStarted,
		})
	}

	var started []domain.AgentDescriptor

	for _, name := range order {
		rep := &report.Agents[index[name]]
		agent, ok := graph[name]
		if !ok {
			rep.Reason = "not declared in agent graph"
			s.logger.Warn("agent missing from graph", zap.String("agent", name))
			continue
		}

		if err := ctx.Err(); err != nil {
			s.abort(ctx, &report, name, fmt.Sprintf("sequence cancelled: %v", err), started)
			return s.finish(report)
		}

		log := s.logger.With(zap.String("agent", name), zap.Bool("required", agent.Required))

		// 1. Запуск процесса с повторами
		launches, err := reliability.Do(ctx, s.opts.Launch, func(ctx context.Context, attempt uint) error {
			lErr := s.launcher.Launch(ctx, agent)
			if lErr != nil {
				log.Warn("launch attempt failed", zap.Uint("attempt", attempt), zap.Error(lErr))
			}
			return lErr
		})
		rep.Attempts = int(launches)
		if err != nil {
			rep.Status = domain.AgentLaunchFailed
			rep.Reason = fmt.Errorf("%w: %v", domain.ErrLaunchFailed, err).Error()
			log.Error("agent launch failed", zap.Error(err))
			if agent.Required {
				s.abort(ctx, &report, name, rep.Reason, started)
				return s.finish(report)
			}
			continue
		}
		started = append(started, agent)

		// 2. Пауза на прогрев
		if !sleepCtx(ctx, s.opts.SettleInterval) {
			rep.Status = domain.AgentUnhealthy
			rep.Reason = "sequence cancelled during settle"
			s.abort(ctx, &report, name, rep.Reason, started)
			return s.finish(report)
		}

		// 3. Health-check с экспоненциальным бэкоффом
		res, probes := s.prober.ProbeUntilHealthy(ctx, agent.Health, s.opts.Health)
		rep.Health = &res
		rep.Attempts += int(probes)
		if !res.Healthy() {
			rep.Status = domain.AgentUnhealthy
			rep.Reason = res.Err().Error()
			log.Error("agent never became healthy",
				zap.String("status", string(res.Status)), zap.Uint("probes", probes), zap.String("reason", res.Message))
			if agent.Required {
				s.abort(ctx, &report, name, rep.Reason, started)
				return s.finish(report)
			}
			continue
		}

		rep.Status = domain.AgentHealthy
		log.Info("agent healthy", zap.Uint("probes", probes))

		// 4. Регистрация в discovery. Ошибка не роняет агента: он жив, его найдут по hostname
		if s.registrar != nil {
			if err := s.registrar.Register(ctx, EndpointFor(agent)); err != nil {
				log.Warn("agent registration failed", zap.Error(err))
			}
		}
	}

	return s.finish(report)
}

// abort помечает остаток NOT_STARTED с причиной и откатывает запущенных в обратном порядке
func (s *Sequencer) abort(ctx context.Context, report *Report, failed, reason string, started []domain.AgentDescriptor) {
	report.Aborted = true
	report.AbortedBy = failed
	report.AbortReason = reason

	for i := range report.Agents {
		rep := &report.Agents[i]
		if rep.Status != domain.AgentNotStarted || rep.Reason != "" {
			continue
		}
		if rep.Name == failed {
			rep.Reason = reason
		} else {
			rep.Reason = fmt.Sprintf("%v at %s", domain.ErrSequenceAborted, failed)
		}
	}

	s.logger.Error("startup sequence aborted",
		zap.String("failed_agent", failed), zap.String("reason", reason), zap.Int("rollback", len(started)))

	// Откат — best effort: отмена исходного ctx не должна мешать остановке процессов
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RollbackTimeout)
	defer cancel()

	for i := len(started) - 1; i >= 0; i-- {
		agent := started[i]
		if err := s.launcher.Terminate(rbCtx, agent); err != nil {
			s.logger.Warn("rollback terminate failed", zap.String("agent", agent.Name), zap.Error(err))
		}
		for j := range report.Agents {
			rep := &report.Agents[j]
			if rep.Name != agent.Name {
				continue
			}
			// Так и не ставший здоровым остается UNHEALTHY: ROLLED_BACK только для бывших HEALTHY
			if rep.Status != domain.AgentHealthy {
				rep.Reason = fmt.Sprintf("%s; terminated during rollback", rep.Reason)
				continue
			}
			rep.Status = domain.AgentRolledBack
			rep.Reason = fmt.Sprintf("rolled back after %s failed", failed)
			if s.registrar != nil {
				if err := s.registrar.Unregister(rbCtx, agent.Name); err != nil {
					s.logger.Warn("rollback unregister failed", zap.String("agent", agent.Name), zap.Error(err))
				}
			}
		}
	}
}

func (s *Sequencer) finish(report Report) Report {
	report.FinishedAt = time.Now()
	if s.observer != nil {
		for _, a := range report.Agents {
			s.observer.ObserveAgentStatus(a.Name, a.Status)
		}
	}
	s.logger.Info("startup sequence finished",
		zap.Int("exit_code", report.ExitCode()),
		zap.Bool("aborted", report.Aborted),
		zap.Strings("healthy", report.Healthy()),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report
}

// EndpointFor — эндпоинт агента для регистрации после успешного health-check
func EndpointFor(a domain.AgentDescriptor) domain.ServiceEndpoint {
	caps := make([]string, 0)
	if raw, ok := a.Params["capabilities"].([]any); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok {
				caps = append(caps, s)
			}
		}
	}
	meta := map[string]string{"section": a.Section}
	if a.LaunchRef != "" {
		meta["launch_ref"] = a.LaunchRef
	}
	return domain.ServiceEndpoint{
		Name:         a.Name,
		Host:         a.Host,
		Port:         a.Port,
		HealthPort:   a.EffectiveHealthPort(),
		Protocol:     protocolOf(a),
		IsHealthy:    true,
		LastChecked:  time.Now(),
		Capabilities: caps,
		Metadata:     meta,
	}
}

func protocolOf(a domain.AgentDescriptor) string {
	if p, ok := a.Params["protocol"].(string); ok && p != "" {
		return p
	}
	switch a.Health.Transport {
	case domain.TransportHTTP:
		return "http"
	case domain.TransportGRPC:
		return "grpc"
	default:
		return "tcp"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
