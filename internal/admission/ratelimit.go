package admission

import (
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
)

// rateRule — спецификация плюс изменяемое состояние: окна по субъектам и общий burstUsed
type rateRule struct {
	spec      domain.RateLimitSpec
	applies   conditionSet
	windows   map[string][]time.Time
	burstUsed int
}

// RateLimiter — скользящее окно по субъекту с общим на правило burst-запасом.
// Инвариант: burstUsed <= BurstAllowance; обнуляется только ResetBursts.
type RateLimiter struct {
	mu    sync.Mutex
	rules map[string]*rateRule
	now   func() time.Time
}

func NewRateLimiter(specs []domain.RateLimitSpec) (*RateLimiter, error) {
	l := &RateLimiter{rules: make(map[string]*rateRule), now: time.Now}
	for _, s := range specs {
		if err := l.AddRule(s); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// AddRule добавляет или заменяет правило (состояние заменяемого сбрасывается)
func (l *RateLimiter) AddRule(spec domain.RateLimitSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	applies, err := compileConditions(spec.Applies)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.rules[spec.Name] = &rateRule{spec: spec, applies: applies, windows: make(map[string][]time.Time)}
	l.mu.Unlock()
	return nil
}

func (l *RateLimiter) RemoveRule(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.rules[name]
	delete(l.rules, name)
	return ok
}

// Specs — правила в алфавитном порядке
func (l *RateLimiter) Specs() []domain.RateLimitSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.RateLimitSpec, 0, len(l.rules))
	for _, r := range l.rules {
		out = append(out, r.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Check — checkRateLimit. Неизвестное правило пропускает запрос (info.Unknown).
// increment=false — только подсмотреть: ни окно, ни burst не расходуются.
func (l *RateLimiter) Check(subject, ruleName string, increment bool) (bool, domain.RateLimitInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rules[ruleName]
	if !ok {
		return true, domain.RateLimitInfo{Rule: ruleName, Subject: subject, Unknown: true}
	}
	return r.check(subject, l.now(), increment)
}

// CheckAll проверяет набор правил под одной блокировкой: сначала все без учета,
// затем, если все пропускают, учитывает запрос в каждом. При отказе ничего не расходуется;
// возвращается первое отказавшее правило.
func (l *RateLimiter) CheckAll(subject string, names []string) (bool, domain.RateLimitInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rules := make([]*rateRule, 0, len(names))
	for _, name := range names {
		r, ok := l.rules[name]
		if !ok {
			continue
		}
		if allowed, info := r.check(subject, now, false); !allowed {
			return false, info
		}
		rules = append(rules, r)
	}
	for _, r := range rules {
		r.check(subject, now, true)
	}
	return true, domain.RateLimitInfo{Subject: subject}
}

// check вызывается под l.mu
func (r *rateRule) check(subject string, now time.Time, increment bool) (bool, domain.RateLimitInfo) {
	info := domain.RateLimitInfo{Rule: r.spec.Name, Subject: subject}
	window := r.spec.Window()

	// 1. Выкидываем метки старше окна
	ts := evict(r.windows[subject], now, window)

	// 2. Решение по основному лимиту, затем по burst
	allowed := len(ts) < r.spec.MaxRequests
	if !allowed && r.burstUsed < r.spec.BurstAllowance {
		allowed = true
		info.UsedBurst = true
		if increment {
			r.burstUsed++
		}
	}

	// 3. Учет запроса
	if allowed && increment {
		ts = append(ts, now)
	}
	if len(ts) == 0 {
		delete(r.windows, subject)
	} else {
		r.windows[subject] = ts
	}

	info.Count = len(ts)
	info.Limit = r.spec.MaxRequests
	info.Remaining = max(0, r.spec.MaxRequests-len(ts))
	info.BurstUsed = r.burstUsed
	info.BurstAllowance = r.spec.BurstAllowance
	if !allowed && len(ts) > 0 {
		info.RetryAfter = ts[0].Add(window).Sub(now)
		if info.RetryAfter <= 0 {
			info.RetryAfter = time.Millisecond
		}
	}
	return allowed, info
}

// applicable — имена правил, чьи условия Applies выполняются для контекста
func (l *RateLimiter) applicable(ctx map[string]any) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var names []string
	for name, r := range l.rules {
		if r.applies.match(ctx) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ResetBursts обнуляет burstUsed у всех правил. Возвращает, сколько правил имели расход.
func (l *RateLimiter) ResetBursts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.rules {
		if r.burstUsed > 0 {
			n++
		}
		r.burstUsed = 0
	}
	return n
}

// Sweep удаляет полностью истекшие окна субъектов. Возвращает число удаленных.
func (l *RateLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for _, r := range l.rules {
		for subject, ts := range r.windows {
			if len(evict(ts, now, r.spec.Window())) == 0 {
				delete(r.windows, subject)
				n++
			}
		}
	}
	return n
}

// evict оставляет метки моложе окна. Метки упорядочены по времени.
func evict(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(ts) && now.Sub(ts[i]) >= window {
		i++
	}
	if i == 0 {
		return ts
	}
	// Копия, чтобы не держать хвост старого массива
	return append([]time.Time(nil), ts[i:]...)
}
