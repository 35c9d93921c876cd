package domain

import (
	"fmt"
	"time"
)

// RateLimitSpec — статическая часть правила лимитирования (из конфига).
// Изменяемое состояние (окна и burstUsed) живет в admission.RateLimiter.
type RateLimitSpec struct {
	Name           string `json:"name" mapstructure:"name"`
	MaxRequests    int    `json:"max_requests" mapstructure:"max_requests"`
	WindowSeconds  int    `json:"window_seconds" mapstructure:"window_seconds"`
	BurstAllowance int    `json:"burst_allowance" mapstructure:"burst_allowance"`

	// Applies — условия на контекст запроса, при которых правило участвует в evaluateAccess.
	// Пустая мапа — правило применяется ко всем запросам.
	Applies map[string]ConditionSpec `json:"applies,omitempty" mapstructure:"applies"`
}

func (s RateLimitSpec) Window() time.Duration {
	return time.Duration(s.WindowSeconds) * time.Second
}

func (s RateLimitSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: rate limit name is empty", ErrInvalidRule)
	}
	if s.MaxRequests <= 0 || s.WindowSeconds <= 0 {
		return fmt.Errorf("%w: rate limit %s needs positive max_requests and window_seconds", ErrInvalidRule, s.Name)
	}
	if s.BurstAllowance < 0 {
		return fmt.Errorf("%w: rate limit %s has negative burst", ErrInvalidRule, s.Name)
	}
	return nil
}

// RateLimitInfo — детали решения checkRateLimit
type RateLimitInfo struct {
	Rule           string        `json:"rule"`
	Subject        string        `json:"subject"`
	Count          int           `json:"count"` // Запросов в окне после решения
	Limit          int           `json:"limit"`
	Remaining      int           `json:"remaining"`
	BurstUsed      int           `json:"burst_used"`
	BurstAllowance int           `json:"burst_allowance"`
	UsedBurst      bool          `json:"used_burst"` // Пропущен за счет burst
	RetryAfter     time.Duration `json:"retry_after"`
	Unknown        bool          `json:"unknown,omitempty"` // Правило не зарегистрировано
}
