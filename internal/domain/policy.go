package domain

import (
	"fmt"
	"strings"
	"time"
)

// Action определяет, что делать с запросом
type Action string

const (
	ActionAllow     Action = "ALLOW"
	ActionDeny      Action = "DENY"
	ActionChallenge Action = "CHALLENGE" // Требовать дополнительную проверку (captcha, step-up auth)
	ActionThrottle  Action = "THROTTLE"
)

// ParseAction нормализует действие из конфига/БД
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionAllow, ActionDeny, ActionChallenge, ActionThrottle:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidRule, s)
	}
}

// ConditionSpec — сериализуемая форма предиката. Задается ровно одно поле.
//
//	{"equals": "admin"}
//	{"in": ["GET", "HEAD"]}
//	{"range": {"min": 0, "max": 100}}
//	{"regex": "^/v1/"}
//	{"contains": "bot"}
type ConditionSpec struct {
	Equals   any          `json:"equals,omitempty" mapstructure:"equals"`
	In       []any        `json:"in,omitempty" mapstructure:"in"`
	Range    *NumberRange `json:"range,omitempty" mapstructure:"range"`
	Regex    string       `json:"regex,omitempty" mapstructure:"regex"`
	Contains string       `json:"contains,omitempty" mapstructure:"contains"`
}

// NumberRange — включительный диапазон; nil-граница не ограничивает
type NumberRange struct {
	Min *float64 `json:"min,omitempty" mapstructure:"min"`
	Max *float64 `json:"max,omitempty" mapstructure:"max"`
}

// AccessRule — правило доступа. Список правил всегда отсортирован по возрастанию Priority.
type AccessRule struct {
	Name       string                   `json:"name" mapstructure:"name"`
	Priority   int                      `json:"priority" mapstructure:"priority"` // Меньше — раньше
	Conditions map[string]ConditionSpec `json:"conditions" mapstructure:"conditions"`
	Action     Action                   `json:"action" mapstructure:"action"`
	Enabled    bool                     `json:"enabled" mapstructure:"enabled"`
	ExpiresAt  *time.Time               `json:"expires_at,omitempty" mapstructure:"expires_at"`
}

// Expired — истек ли срок жизни правила
func (r AccessRule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Active — включено и не истекло
func (r AccessRule) Active(now time.Time) bool {
	return r.Enabled && !r.Expired(now)
}
