package sequencer

import (
	"time"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
)

// Коды выхода лаунчера
const (
	ExitOK      = 0 // Все required агенты HEALTHY
	ExitPartial = 1 // Последовательность прервана, но кто-то успел подняться
	ExitTotal   = 2 // Ни один агент не стал HEALTHY
)

// Report — итог прогона: терминальный статус и причина по каждому агенту
type Report struct {
	Order       []string             `json:"order"`
	Agents      []domain.AgentReport `json:"agents"`
	CycleNodes  []string             `json:"cycle_nodes,omitempty"`
	Aborted     bool                 `json:"aborted"`
	AbortedBy   string               `json:"aborted_by,omitempty"`
	AbortReason string               `json:"abort_reason,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  time.Time            `json:"finished_at"`
}

// Agent возвращает отчет по имени
func (r Report) Agent(name string) (domain.AgentReport, bool) {
	for _, a := range r.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return domain.AgentReport{}, false
}

// Healthy — агенты, оставшиеся HEALTHY после прогона
func (r Report) Healthy() []string {
	out := make([]string, 0, len(r.Agents))
	for _, a := range r.Agents {
		if a.Status == domain.AgentHealthy {
			out = append(out, a.Name)
		}
	}
	return out
}

// ExitCode: 0 — прогон не прерван и все required здоровы (упавшие optional не в счет);
// 1 — прогон прерван, но кто-то успел стать HEALTHY; 2 — никто не стал HEALTHY
func (r Report) ExitCode() int {
	everHealthy := false
	requiredOK := true
	for _, a := range r.Agents {
		switch a.Status {
		case domain.AgentHealthy, domain.AgentRolledBack:
			everHealthy = true
		}
		if a.Required && a.Status != domain.AgentHealthy {
			requiredOK = false
		}
	}

	switch {
	case !r.Aborted && requiredOK:
		if len(r.Agents) > 0 && !everHealthy {
			return ExitTotal
		}
		return ExitOK
	case everHealthy:
		return ExitPartial
	default:
		return ExitTotal
	}
}
