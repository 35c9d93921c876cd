package sequencer

import (
	"sort"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"go.uber.org/zap"
)

// ComputeOrder — топологическая сортировка (алгоритм Кана).
// Среди готовых узлов первым берется меньший по имени, поэтому порядок детерминирован.
// Зависимости на неизвестных агентов игнорируются с предупреждением.
//
// На цикле возвращается полный порядок фолбэка и *domain.CycleError:
// сначала foundation агенты, затем то, что Кан успел выдать, затем остаток по имени.
func ComputeOrder(agents []domain.AgentDescriptor, foundation []string, logger *zap.Logger) ([]string, error) {
	known := make(map[string]struct{}, len(agents))
	for _, a := range agents {
		known[a.Name] = struct{}{}
	}

	// 1. Смежность "зависимость -> зависимые" и входящие степени
	dependents := make(map[string][]string, len(agents))
	inDegree := make(map[string]int, len(agents))
	for name := range known {
		inDegree[name] = 0
	}
	for _, a := range agents {
		for _, dep := range a.DependencySet() {
			if _, ok := known[dep]; !ok {
				logger.Warn("unknown dependency ignored", zap.String("agent", a.Name), zap.String("dependency", dep))
				continue
			}
			dependents[dep] = append(dependents[dep], a.Name)
			inDegree[a.Name]++
		}
	}

	// 2. Очередь узлов без входящих ребер
	ready := make([]string, 0, len(known))
	for name, d := range inDegree {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(known))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		added := false
		for _, next := range dependents[name] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
				added = true
			}
		}
		if added {
			sort.Strings(ready)
		}
	}

	if len(order) == len(known) {
		return order, nil
	}

	// 3. Цикл: узлы, которые Кан не выдал, — участники цикла и все, кто от них зависит
	emitted := make(map[string]struct{}, len(order))
	for _, n := range order {
		emitted[n] = struct{}{}
	}
	stuck := make([]string, 0, len(known)-len(order))
	for name := range known {
		if _, ok := emitted[name]; !ok {
			stuck = append(stuck, name)
		}
	}
	sort.Strings(stuck)

	fallback := fallbackOrder(foundation, known, order, stuck)
	logger.Warn("dependency cycle detected, using fallback order",
		zap.Strings("cycle_nodes", stuck),
		zap.Strings("order", fallback),
	)
	return fallback, &domain.CycleError{Nodes: stuck}
}

func fallbackOrder(foundation []string, known map[string]struct{}, emitted, stuck []string) []string {
	out := make([]string, 0, len(known))
	seen := make(map[string]struct{}, len(known))
	push := func(name string) {
		if _, ok := known[name]; !ok {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}

	for _, n := range foundation {
		push(n)
	}
	for _, n := range emitted {
		push(n)
	}
	for _, n := range stuck {
		push(n)
	}
	return out
}
