package reliability

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
)

// Policy — параметры повторов: число попыток и экспоненциальная задержка base*2^n с потолком
type Policy struct {
	Attempts  uint
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Delay возвращает паузу перед попыткой n+1 (n с нуля)
func (p Policy) Delay(n uint) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	// Сдвиг ограничен, чтобы не переполнить Duration
	if n > 30 {
		n = 30
	}
	d := p.BaseDelay << n
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d
}

// permanentError — ошибка, после которой повторять бессмысленно
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку как неповторяемую: Do вернет ее сразу
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do выполняет fn до p.Attempts раз с экспоненциальной паузой.
// Возвращает число сделанных попыток и последнюю ошибку (nil при успехе).
// Отмена ctx прерывает ожидание между попытками.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt uint) error) (uint, error) {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}

	var (
		made    uint
		lastErr error
		stopped bool
	)

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return p.Delay(n)
		}),
	)

	doErr := r.Do(func() error {
		made++
		err := fn(ctx, made)
		if err == nil {
			lastErr = nil
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			// Возвращаем nil, чтобы retry-go остановился; ошибку отдадим сами
			lastErr = perm.err
			stopped = true
			return nil
		}
		lastErr = err
		return err
	})

	if stopped || lastErr != nil {
		return made, lastErr
	}
	if doErr != nil {
		// Контекст отменен до первой попытки или во время паузы
		if ctxErr := ctx.Err(); ctxErr != nil {
			return made, ctxErr
		}
		return made, doErr
	}
	return made, nil
}
