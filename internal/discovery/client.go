package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"github.com/xela07ax/spaceai-controlplane/internal/reliability"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Validator — Health Check Engine для проверки кандидатов из mesh
type Validator interface {
	Probe(ctx context.Context, spec domain.HealthCheckSpec) domain.HealthCheckResult
}

// Observer получает исходы резолва и регистрации (метрики)
type Observer interface {
	ObserveResolve(strategy string, found bool)
	ObserveRegistration(registry string, err error)
}

// Backends — стратегии и реестры. Любое поле может быть nil/пустым.
// Порядок цепочки фиксирован: hostname, mesh, legacy, twin.
type Backends struct {
	Hostname *HostnameResolver
	Mesh     *MeshRegistry
	Legacy   []*LegacyRegistry
	Twin     *TwinRegistry
}

type Options struct {
	CacheTTL        time.Duration
	StepTimeout     time.Duration
	DefaultProtocol string
	ValidateMesh    bool
	ProbeTimeout    time.Duration

	// Параметры предохранителей удаленных шагов
	RequestsPerSecond float64
	BreakerFailures   uint32
	BreakerTimeout    time.Duration
	OnBreakerChange   func(name string, open bool)

	// Повторы записи в primary (mesh)
	RegisterRetry reliability.Policy
}

type step struct {
	strategy Strategy
	guard    *reliability.Guard // nil для локальных шагов
	validate bool
}

type mirror struct {
	registry Registry
	guard    *reliability.Guard
}

// Client — Discovery Client: резолв по цепочке с кэшем и зеркальная регистрация
type Client struct {
	opts      Options
	logger    *zap.Logger
	cache     *endpointCache
	validator Validator
	observer  Observer

	steps   []step
	primary *mirror
	mirrors []mirror
	twin    *TwinRegistry
}

func NewClient(opts Options, b Backends, validator Validator, observer Observer, logger *zap.Logger) *Client {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 2 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = opts.StepTimeout
	}
	c := &Client{
		opts:      opts,
		logger:    logger.Named("discovery"),
		cache:     newEndpointCache(opts.CacheTTL),
		validator: validator,
		observer:  observer,
		twin:      b.Twin,
	}

	if b.Hostname != nil {
		c.steps = append(c.steps, step{strategy: b.Hostname})
	}
	if b.Mesh != nil {
		g := c.newGuard(b.Mesh.Name())
		c.steps = append(c.steps, step{strategy: b.Mesh, guard: g, validate: opts.ValidateMesh && validator != nil})
		c.primary = &mirror{registry: b.Mesh, guard: g}
	}
	for _, l := range b.Legacy {
		g := c.newGuard(l.Name())
		c.steps = append(c.steps, step{strategy: l, guard: g})
		c.mirrors = append(c.mirrors, mirror{registry: l, guard: g})
	}
	if b.Twin != nil {
		g := c.newGuard(b.Twin.Name())
		c.steps = append(c.steps, step{strategy: b.Twin, guard: g})
		c.mirrors = append(c.mirrors, mirror{registry: b.Twin, guard: g})
	}
	return c
}

func (c *Client) newGuard(name string) *reliability.Guard {
	return reliability.NewGuard(reliability.GuardSettings{
		Name:              "discovery-" + name,
		RequestsPerSecond: c.opts.RequestsPerSecond,
		Burst:             max(1, int(c.opts.RequestsPerSecond)),
		MaxFailures:       c.opts.BreakerFailures,
		OpenTimeout:       c.opts.BreakerTimeout,
		CallTimeout:       c.opts.StepTimeout,
		Benign:            func(err error) bool { return errors.Is(err, domain.ErrNotFound) },
		OnStateChange:     c.opts.OnBreakerChange,
	}, c.logger)
}

// Resolve возвращает живой эндпоинт агента. Сначала кэш, затем цепочка стратегий;
// первый успех прерывает цепочку. Если не сработало ничего — domain.ErrNotFound.
func (c *Client) Resolve(ctx context.Context, name string) (domain.ServiceEndpoint, error) {
	if ep, ok := c.cache.get(name); ok {
		c.observe(StrategyCache, true)
		return ep, nil
	}

	var errs []error
	for _, s := range c.steps {
		ep, err := c.try(ctx, s, name)
		if err != nil {
			c.observe(s.strategy.Name(), false)
			if !errors.Is(err, domain.ErrNotFound) {
				c.logger.Debug("resolution step failed",
					zap.String("agent", name), zap.String("strategy", s.strategy.Name()), zap.Error(err))
			}
			errs = append(errs, err)
			continue
		}

		c.observe(s.strategy.Name(), true)
		ep.Source = s.strategy.Name()
		ep.LastChecked = time.Now()
		c.cache.put(ep)
		c.logger.Debug("agent resolved",
			zap.String("agent", name), zap.String("strategy", ep.Source), zap.String("addr", ep.Address()))
		return ep, nil
	}

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return domain.ServiceEndpoint{}, &domain.ResolutionError{Name: name, Causes: errs}
}

// try выполняет один шаг под его таймаутом и предохранителем, нормализует и при необходимости проверяет здоровье
func (c *Client) try(ctx context.Context, s step, name string) (domain.ServiceEndpoint, error) {
	var ep domain.ServiceEndpoint
	run := func(ctx context.Context) error {
		var err error
		ep, err = s.strategy.Resolve(ctx, name)
		return err
	}

	var err error
	if s.guard != nil {
		err = s.guard.Run(ctx, run)
	} else {
		sctx, cancel := context.WithTimeout(ctx, c.opts.StepTimeout)
		err = run(sctx)
		cancel()
	}
	if err != nil {
		return domain.ServiceEndpoint{}, err
	}

	ep = Normalize(ep, c.opts.DefaultProtocol)
	if ep.Port <= 0 {
		return domain.ServiceEndpoint{}, fmt.Errorf("%s: %s returned no port: %w", s.strategy.Name(), name, domain.ErrNotFound)
	}

	if s.validate {
		res := c.validator.Probe(ctx, healthSpecFor(ep, c.opts.ProbeTimeout))
		if !res.Healthy() {
			return domain.ServiceEndpoint{}, fmt.Errorf("%s: candidate %s failed validation: %w", s.strategy.Name(), ep.HostPort(), res.Err())
		}
	}
	ep.IsHealthy = true
	return ep, nil
}

// Register пишет эндпоинт в mesh (обязательно) и параллельно во все зеркала (best effort).
// Ошибки зеркал логируются и не возвращаются. Без mesh успех — хотя бы одно зеркало.
func (c *Client) Register(ctx context.Context, ep domain.ServiceEndpoint) error {
	log := c.logger.With(zap.String("agent", ep.Name), zap.String("addr", ep.HostPort()))

	if c.primary != nil {
		_, err := reliability.Do(ctx, c.opts.RegisterRetry, func(ctx context.Context, attempt uint) error {
			return c.primary.guard.Run(ctx, func(ctx context.Context) error {
				return c.primary.registry.Register(ctx, ep)
			})
		})
		c.observeRegistration(c.primary.registry.Name(), err)
		if err != nil {
			log.Error("primary registration failed", zap.Error(err))
			return fmt.Errorf("discovery: register %s in mesh: %w", ep.Name, err)
		}
	}

	failed := c.fanOut(ctx, func(ctx context.Context, r Registry) error { return r.Register(ctx, ep) })
	if len(failed) > 0 {
		regErr := &domain.RegistrationError{Failed: failed}
		log.Warn("secondary registration failed", zap.Error(regErr))
		if c.primary == nil && len(failed) == len(c.mirrors) {
			return fmt.Errorf("discovery: register %s: %w", ep.Name, regErr)
		}
	}

	norm := Normalize(ep, c.opts.DefaultProtocol)
	norm.IsHealthy = true
	norm.LastChecked = time.Now()
	norm.Source = "register"
	c.cache.put(norm)
	log.Info("agent registered", zap.Int("mirrors_failed", len(failed)))
	return nil
}

// Unregister удаляет агента из всех реестров и из кэша. Возвращается только ошибка mesh.
func (c *Client) Unregister(ctx context.Context, name string) error {
	c.cache.invalidate(name)

	var primaryErr error
	if c.primary != nil {
		primaryErr = c.primary.guard.Run(ctx, func(ctx context.Context) error {
			return c.primary.registry.Unregister(ctx, name)
		})
	}
	failed := c.fanOut(ctx, func(ctx context.Context, r Registry) error { return r.Unregister(ctx, name) })
	if len(failed) > 0 {
		c.logger.Warn("secondary unregister failed", zap.String("agent", name), zap.Error(&domain.RegistrationError{Failed: failed}))
	}
	if primaryErr != nil {
		return fmt.Errorf("discovery: unregister %s from mesh: %w", name, primaryErr)
	}
	return nil
}

// fanOut выполняет op на всех зеркалах параллельно и собирает ошибки по имени реестра
func (c *Client) fanOut(ctx context.Context, op func(ctx context.Context, r Registry) error) map[string]error {
	var (
		mu     sync.Mutex
		failed = make(map[string]error)
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range c.mirrors {
		g.Go(func() error {
			err := m.guard.Run(gctx, func(ctx context.Context) error { return op(ctx, m.registry) })
			c.observeRegistration(m.registry.Name(), err)
			if err != nil {
				mu.Lock()
				failed[m.registry.Name()] = err
				mu.Unlock()
			}
			// Ошибка зеркала не должна отменять соседей
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// Invalidate выбрасывает агента из кэша
func (c *Client) Invalidate(name string) {
	c.cache.invalidate(name)
}

// MarkUnhealthy — реакция на регрессию: кэш перестает отдавать агента, двойник помечается
func (c *Client) MarkUnhealthy(ctx context.Context, name string) {
	c.cache.markUnhealthy(name)
	if c.twin == nil {
		return
	}
	if err := c.twin.MarkUnhealthy(ctx, name); err != nil {
		c.logger.Warn("twin mark unhealthy failed", zap.String("agent", name), zap.Error(err))
	}
}

// Snapshot — копия кэша (для admin API)
func (c *Client) Snapshot() []domain.ServiceEndpoint {
	return c.cache.snapshot()
}

func (c *Client) observe(strategy string, found bool) {
	if c.observer != nil {
		c.observer.ObserveResolve(strategy, found)
	}
}

func (c *Client) observeRegistration(registry string, err error) {
	if c.observer != nil {
		c.observer.ObserveRegistration(registry, err)
	}
}
