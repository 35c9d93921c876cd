package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrCircuitOpen — вызов отклонен предохранителем без обращения к удаленной стороне
var ErrCircuitOpen = errors.New("circuit open")

// GuardSettings — параметры предохранителя и лимитера одного удаленного ресурса
type GuardSettings struct {
	Name              string
	RequestsPerSecond float64 // 0 — без лимита
	Burst             int
	MaxFailures       uint32 // Подряд идущих ошибок до размыкания
	OpenTimeout       time.Duration
	CallTimeout       time.Duration // Таймаут одного вызова, 0 — без таймаута

	// Benign — ошибки, которые не считаются отказом ресурса (например, "не найдено")
	Benign func(err error) bool

	// OnStateChange вызывается при смене состояния (open=true — трафик заблокирован)
	OnStateChange func(name string, open bool)
}

// Guard — token bucket + circuit breaker вокруг удаленного вызова
type Guard struct {
	name        string
	cb          *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
	callTimeout time.Duration
}

func NewGuard(s GuardSettings, logger *zap.Logger) *Guard {
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	log := logger.With(zap.String("mod", "guard"), zap.String("guard", s.Name))

	g := &Guard{name: s.Name, callTimeout: s.CallTimeout}

	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || (s.Benign != nil && s.Benign(err))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit state changed", zap.String("from", from.String()), zap.String("to", to.String()))
			if s.OnStateChange != nil {
				s.OnStateChange(name, to == gobreaker.StateOpen)
			}
		},
	})

	if s.RequestsPerSecond > 0 {
		burst := s.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(s.RequestsPerSecond), burst)
	}
	return g
}

func (g *Guard) Name() string { return g.name }

// Open — разомкнут ли предохранитель прямо сейчас
func (g *Guard) Open() bool {
	return g.cb.State() == gobreaker.StateOpen
}

// Run выполняет fn под лимитером и предохранителем
func (g *Guard) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	// 1. Rate Limiter
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limit wait: %w", g.name, err)
		}
	}

	// 2. Circuit Breaker
	_, err := g.cb.Execute(func() (interface{}, error) {
		callCtx := ctx
		if g.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.callTimeout)
			defer cancel()
		}
		return nil, fn(callCtx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", g.name, ErrCircuitOpen)
	}
	return err
}
