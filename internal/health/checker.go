package health

import (
	"context"
	"net/http"
	"time"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"github.com/xela07ax/spaceai-controlplane/internal/reliability"
	"go.uber.org/zap"
)

// Observer получает итог каждой пробы (метрики)
type Observer interface {
	ObserveProbe(transport domain.Transport, status domain.HealthStatus, latency time.Duration)
}

type prober interface {
	probe(ctx context.Context, spec domain.HealthCheckSpec) domain.HealthCheckResult
}

// Options — параметры пула probeMany
type Options struct {
	Workers int           // Размер пула
	Ceiling time.Duration // Глобальный потолок probeMany
}

// Checker — Health Check Engine. Состояния между пробами не хранит.
type Checker struct {
	logger   *zap.Logger
	observer Observer
	workers  int
	ceiling  time.Duration

	transports map[domain.Transport]prober
}

func NewChecker(opts Options, logger *zap.Logger, observer Observer) *Checker {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Ceiling <= 0 {
		opts.Ceiling = 30 * time.Second
	}
	return &Checker{
		logger:   logger.Named("health"),
		observer: observer,
		workers:  opts.Workers,
		ceiling:  opts.Ceiling,
		transports: map[domain.Transport]prober{
			domain.TransportSocket: &socketProber{},
			// Таймаут задает контекст пробы, у клиента его нет
			domain.TransportHTTP: &httpProber{client: &http.Client{}},
			domain.TransportGRPC: &grpcProber{},
		},
	}
}

// Probe выполняет одну проверку. Никогда не блокируется дольше spec.Timeout.
func (c *Checker) Probe(ctx context.Context, spec domain.HealthCheckSpec) domain.HealthCheckResult {
	spec = spec.WithDefaults()
	start := time.Now()

	var res domain.HealthCheckResult
	if err := spec.Validate(); err != nil {
		res = domain.NewResult(domain.HealthError, err.Error(), nil)
	} else {
		pctx, cancel := context.WithTimeout(ctx, spec.Timeout)
		res = c.transports[spec.Transport].probe(pctx, spec)
		cancel()
	}
	res.Latency = time.Since(start)

	if c.observer != nil {
		c.observer.ObserveProbe(spec.Transport, res.Status, res.Latency)
	}
	if !res.Healthy() {
		c.logger.Debug("probe not healthy",
			zap.String("target", spec.Target),
			zap.String("status", string(res.Status)),
			zap.String("reason", res.Message),
		)
	}
	return res
}

// ProbeUntilHealthy повторяет пробу с экспоненциальной паузой, пока агент не станет HEALTHY
// или не кончатся попытки. Возвращает последний результат и число попыток.
func (c *Checker) ProbeUntilHealthy(ctx context.Context, spec domain.HealthCheckSpec, policy reliability.Policy) (domain.HealthCheckResult, uint) {
	var last domain.HealthCheckResult
	attempts, _ := reliability.Do(ctx, policy, func(ctx context.Context, attempt uint) error {
		last = c.Probe(ctx, spec)
		return last.Err()
	})
	if attempts == 0 {
		last = domain.NewResult(domain.HealthTimeout, "probe cancelled before first attempt", nil)
	}
	return last, attempts
}

type indexedResult struct {
	i   int
	res domain.HealthCheckResult
}

// ProbeMany проверяет все specs пулом из workers горутин.
// Результаты в порядке specs; не успевшие к потолку помечаются TIMEOUT.
func (c *Checker) ProbeMany(ctx context.Context, specs []domain.HealthCheckSpec) []domain.HealthCheckResult {
	results := make([]domain.HealthCheckResult, len(specs))
	if len(specs) == 0 {
		return results
	}

	ctx, cancel := context.WithTimeout(ctx, c.ceiling)
	defer cancel()

	// 1. Очередь заданий заполняется целиком и закрывается
	jobs := make(chan int, len(specs))
	for i := range specs {
		jobs <- i
	}
	close(jobs)

	// 2. Буфер под все ответы: воркеры никогда не блокируются на отправке
	out := make(chan indexedResult, len(specs))
	workers := min(c.workers, len(specs))
	for w := 0; w < workers; w++ {
		go func() {
			for i := range jobs {
				if ctx.Err() != nil {
					return
				}
				out <- indexedResult{i: i, res: c.Probe(ctx, specs[i])}
			}
		}()
	}

	// 3. Сбор до полного комплекта или до потолка
	done := make([]bool, len(specs))
	for received := 0; received < len(specs); {
		select {
		case r := <-out:
			results[r.i] = r.res
			done[r.i] = true
			received++
		case <-ctx.Done():
			for i := range specs {
				if !done[i] {
					results[i] = domain.NewResult(domain.HealthTimeout, "probe ceiling exceeded", nil)
				}
			}
			c.logger.Warn("probeMany ceiling exceeded",
				zap.Int("total", len(specs)), zap.Int("completed", received))
			return results
		}
	}
	return results
}
