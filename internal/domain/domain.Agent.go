package domain

import (
	"fmt"
	"sort"
)

// AgentStatus — терминальный статус агента в отчете секвенсора
type AgentStatus string

const (
	AgentHealthy      AgentStatus = "HEALTHY"       // Поднят и прошел health-check
	AgentUnhealthy    AgentStatus = "UNHEALTHY"     // Поднят, но так и не стал здоровым
	AgentLaunchFailed AgentStatus = "LAUNCH_FAILED" // Коллаборатор не смог запустить процесс
	AgentNotStarted   AgentStatus = "NOT_STARTED"   // Не запускался (секвенсор прерван раньше)
	AgentRolledBack   AgentStatus = "ROLLED_BACK"   // Был поднят, но остановлен при откате
)

// AgentDescriptor описывает агента из конфигурации. После загрузки не меняется.
type AgentDescriptor struct {
	Name         string         `json:"name" mapstructure:"name"`
	LaunchRef    string         `json:"launch_ref" mapstructure:"launch_ref"` // Непрозрачная ссылка для лаунчера
	Host         string         `json:"host" mapstructure:"host"`
	Port         int            `json:"port" mapstructure:"port"`
	HealthPort   int            `json:"health_port" mapstructure:"health_port"` // 0 -> Port+1
	Dependencies []string       `json:"dependencies" mapstructure:"dependencies"`
	Required     bool           `json:"required" mapstructure:"required"`
	Params       map[string]any `json:"params" mapstructure:"params"`

	// Section — имя секции графа, из которой пришел агент
	Section string `json:"section" mapstructure:"-"`

	// Health — производная спецификация проверки (заполняется при загрузке графа)
	Health HealthCheckSpec `json:"health" mapstructure:"-"`
}

// EffectiveHealthPort возвращает порт health-check с учетом дефолта port+1
func (a AgentDescriptor) EffectiveHealthPort() int {
	if a.HealthPort > 0 {
		return a.HealthPort
	}
	return a.Port + 1
}

// DependencySet возвращает зависимости без дублей и пустых имен, в стабильном порядке
func (a AgentDescriptor) DependencySet() []string {
	seen := make(map[string]struct{}, len(a.Dependencies))
	out := make([]string, 0, len(a.Dependencies))
	for _, d := range a.Dependencies {
		if d == "" || d == a.Name {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Validate проверяет обязательные поля дескриптора
func (a AgentDescriptor) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: agent name is empty", ErrInvalidSpec)
	}
	if a.Port < 0 || a.Port > 65535 {
		return fmt.Errorf("%w: agent %s has invalid port %d", ErrInvalidSpec, a.Name, a.Port)
	}
	if hp := a.EffectiveHealthPort(); hp <= 0 || hp > 65535 {
		return fmt.Errorf("%w: agent %s has invalid health port %d", ErrInvalidSpec, a.Name, hp)
	}
	for _, d := range a.Dependencies {
		if d == a.Name {
			return fmt.Errorf("%w: agent %s depends on itself", ErrInvalidSpec, a.Name)
		}
	}
	return nil
}

// AgentReport — итог по одному агенту после прогона секвенсора
type AgentReport struct {
	Name     string            `json:"name"`
	Required bool              `json:"required"`
	Status   AgentStatus       `json:"status"`
	Reason   string            `json:"reason,omitempty"`
	Attempts int               `json:"attempts"`
	Health   *HealthCheckResult `json:"health,omitempty"`
}
