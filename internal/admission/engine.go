package admission

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"go.uber.org/zap"
)

// Ключи контекста запроса, которые движок понимает сам
const (
	CtxIP       = "ip"
	CtxSourceIP = "source_ip"
	CtxSubject  = "subject_id"
)

// Observer получает итог каждого решения (метрики)
type Observer interface {
	ObserveDecision(action domain.Action, reason string)
}

type Options struct {
	Blacklist  []string
	Whitelist  []string
	Rules      []domain.AccessRule
	RateLimits []domain.RateLimitSpec
}

type compiledRule struct {
	rule  domain.AccessRule
	conds conditionSet
}

// Engine — Rule & Rate Engine: IP-списки, лимиты, правила по приоритету
type Engine struct {
	mu        sync.RWMutex
	rules     []compiledRule // всегда по возрастанию Priority
	blacklist *ipSet
	whitelist *ipSet

	limiter  *RateLimiter
	events   *EventLog
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

func NewEngine(opts Options, events *EventLog, observer Observer, logger *zap.Logger) (*Engine, error) {
	limiter, err := NewRateLimiter(opts.RateLimits)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = NewEventLog(0, nil)
	}
	e := &Engine{
		blacklist: newIPSet(),
		whitelist: newIPSet(),
		limiter:   limiter,
		events:    events,
		observer:  observer,
		logger:    logger.With(zap.String("mod", "admission")),
		now:       time.Now,
	}
	for _, ip := range opts.Blacklist {
		if err := e.blacklist.add(ip); err != nil {
			return nil, fmt.Errorf("%w: blacklist: %v", domain.ErrInvalidRule, err)
		}
	}
	for _, ip := range opts.Whitelist {
		if err := e.whitelist.add(ip); err != nil {
			return nil, fmt.Errorf("%w: whitelist: %v", domain.ErrInvalidRule, err)
		}
	}
	if err := e.ReplaceRules(opts.Rules); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) Limiter() *RateLimiter { return e.limiter }
func (e *Engine) Events() *EventLog     { return e.events }

// EvaluateAccess решает судьбу запроса:
// 1) IP blacklist/whitelist; 2) лимиты, применимые к контексту; 3) первое подходящее правило; 4) ALLOW.
func (e *Engine) EvaluateAccess(ctx map[string]any) domain.Decision {
	d := e.evaluate(ctx)
	if e.observer != nil {
		e.observer.ObserveDecision(d.Action, d.Reason)
	}
	return d
}

func (e *Engine) evaluate(ctx map[string]any) domain.Decision {
	ipStr := clientIP(ctx)
	subject := subjectOf(ctx, ipStr)
	now := e.now()

	// 1. IP-списки (blacklist главнее)
	addr, validIP := parseClientIP(ipStr)
	e.mu.RLock()
	blacklisted := validIP && e.blacklist.contains(addr)
	whitelistOn := !e.whitelist.empty()
	whitelisted := validIP && e.whitelist.contains(addr)
	e.mu.RUnlock()

	if blacklisted {
		e.record(domain.EventIPBlacklisted, domain.ThreatHigh, ipStr, subject, "source ip is blacklisted", "", domain.ActionDeny)
		return domain.Decision{Action: domain.ActionDeny, Reason: domain.EventIPBlacklisted}
	}
	if whitelistOn && !whitelisted {
		e.record(domain.EventIPNotWhitelisted, domain.ThreatMedium, ipStr, subject, "source ip is not whitelisted", "", domain.ActionDeny)
		return domain.Decision{Action: domain.ActionDeny, Reason: domain.EventIPNotWhitelisted}
	}

	// 2. Лимиты
	if allowed, info := e.limiter.CheckAll(subject, e.limiter.applicable(ctx)); !allowed {
		e.record(domain.EventRateLimitExceeded, domain.ThreatMedium, ipStr, subject,
			fmt.Sprintf("rate limit %s exceeded: %d/%d, retry after %s", info.Rule, info.Count, info.Limit, info.RetryAfter),
			info.Rule, domain.ActionThrottle)
		return domain.Decision{Action: domain.ActionThrottle, Reason: domain.EventRateLimitExceeded, Rule: info.Rule, RateLimit: &info}
	}

	// 3. Правила по приоритету
	e.mu.RLock()
	var matched *domain.AccessRule
	for i := range e.rules {
		cr := &e.rules[i]
		if cr.rule.Active(now) && cr.conds.match(ctx) {
			r := cr.rule
			matched = &r
			break
		}
	}
	e.mu.RUnlock()

	if matched != nil {
		e.record(domain.EventRuleMatched, threatFor(matched.Action), ipStr, subject,
			fmt.Sprintf("rule %s matched (priority %d)", matched.Name, matched.Priority),
			matched.Name, matched.Action)
		return domain.Decision{Action: matched.Action, Reason: domain.EventRuleMatched, Rule: matched.Name}
	}

	// 4. По умолчанию
	return domain.Decision{Action: domain.ActionAllow, Reason: "default"}
}

func (e *Engine) record(eventType string, level domain.ThreatLevel, ip, subject, desc, rule string, action domain.Action) {
	e.events.Append(domain.SecurityEvent{
		EventType:   eventType,
		ThreatLevel: level,
		SourceIP:    ip,
		SubjectID:   subject,
		Description: desc,
		Rule:        rule,
		Action:      action,
	})
	e.logger.Debug("security event",
		zap.String("type", eventType), zap.String("ip", ip), zap.String("subject", subject), zap.String("rule", rule))
}

func threatFor(a domain.Action) domain.ThreatLevel {
	switch a {
	case domain.ActionDeny:
		return domain.ThreatHigh
	case domain.ActionChallenge, domain.ActionThrottle:
		return domain.ThreatMedium
	default:
		return domain.ThreatLow
	}
}

func clientIP(ctx map[string]any) string {
	for _, k := range []string{CtxIP, CtxSourceIP} {
		if s, ok := ctx[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// subjectOf — subject_id, иначе IP, иначе общий анонимный субъект
func subjectOf(ctx map[string]any, ip string) string {
	if s, ok := ctx[CtxSubject].(string); ok && s != "" {
		return s
	}
	if ip != "" {
		return ip
	}
	return "anonymous"
}

// --- Мутации правил ---

// AddRule добавляет правило (или заменяет одноименное) и пересортировывает список
func (e *Engine) AddRule(rule domain.AccessRule) error {
	cr, err := compileRule(rule)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(removeByName(e.rules, rule.Name), cr)
	sortRules(e.rules)
	e.logger.Info("access rule added", zap.String("rule", rule.Name), zap.Int("priority", rule.Priority))
	return nil
}

// RemoveRule удаляет правило; false — такого не было
func (e *Engine) RemoveRule(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	before := len(e.rules)
	e.rules = removeByName(e.rules, name)
	sortRules(e.rules)
	removed := len(e.rules) != before
	if removed {
		e.logger.Info("access rule removed", zap.String("rule", name))
	}
	return removed
}

// ReplaceRules атомарно подменяет весь набор (холодная загрузка из БД)
func (e *Engine) ReplaceRules(rules []domain.AccessRule) error {
	compiled := make([]compiledRule, 0, len(rules))
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("%w: duplicate rule %s", domain.ErrInvalidRule, r.Name)
		}
		seen[r.Name] = struct{}{}
		cr, err := compileRule(r)
		if err != nil {
			return err
		}
		compiled = append(compiled, cr)
	}
	sortRules(compiled)

	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()
	return nil
}

// Rules — копия списка в порядке вычисления
func (e *Engine) Rules() []domain.AccessRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.AccessRule, len(e.rules))
	for i, cr := range e.rules {
		out[i] = cr.rule
	}
	return out
}

// Rule ищет правило по имени
func (e *Engine) Rule(name string) (domain.AccessRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, cr := range e.rules {
		if cr.rule.Name == name {
			return cr.rule, true
		}
	}
	return domain.AccessRule{}, false
}

// PurgeExpired удаляет правила с истекшим expiresAt и возвращает их имена
func (e *Engine) PurgeExpired() []string {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	var purged []string
	kept := e.rules[:0]
	for _, cr := range e.rules {
		if cr.rule.Expired(now) {
			purged = append(purged, cr.rule.Name)
			continue
		}
		kept = append(kept, cr)
	}
	// Хвост обнуляем, чтобы не держать ссылки на удаленные правила
	for i := len(kept); i < len(e.rules); i++ {
		e.rules[i] = compiledRule{}
	}
	e.rules = kept
	if len(purged) > 0 {
		e.logger.Info("expired access rules purged", zap.Strings("rules", purged))
	}
	return purged
}

// ValidateRule проверяет правило так же, как AddRule, но ничего не меняет
func ValidateRule(r domain.AccessRule) error {
	_, err := compileRule(r)
	return err
}

func compileRule(r domain.AccessRule) (compiledRule, error) {
	if r.Name == "" {
		return compiledRule{}, fmt.Errorf("%w: rule name is empty", domain.ErrInvalidRule)
	}
	action, err := domain.ParseAction(string(r.Action))
	if err != nil {
		return compiledRule{}, fmt.Errorf("rule %s: %w", r.Name, err)
	}
	r.Action = action
	conds, err := compileConditions(r.Conditions)
	if err != nil {
		return compiledRule{}, fmt.Errorf("rule %s: %w", r.Name, err)
	}
	return compiledRule{rule: r, conds: conds}, nil
}

func removeByName(rules []compiledRule, name string) []compiledRule {
	out := rules[:0]
	for _, cr := range rules {
		if cr.rule.Name != name {
			out = append(out, cr)
		}
	}
	return out
}

// sortRules — по возрастанию приоритета; равные по имени, чтобы порядок не зависел от истории вставок
func sortRules(rules []compiledRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].rule.Priority != rules[j].rule.Priority {
			return rules[i].rule.Priority < rules[j].rule.Priority
		}
		return rules[i].rule.Name < rules[j].rule.Name
	})
}

// --- IP-списки ---

// BlockIP добавляет адрес или CIDR в blacklist
func (e *Engine) BlockIP(entry string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.blacklist.add(entry); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRule, err)
	}
	return nil
}

// UnblockIP убирает адрес или CIDR из blacklist
func (e *Engine) UnblockIP(entry string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blacklist.remove(entry)
}

func (e *Engine) Blacklist() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.blacklist.list()
}

func (e *Engine) Whitelist() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.whitelist.list()
}

// Summary — сводка по событиям безопасности
func (e *Engine) Summary(recent int) domain.SecuritySummary {
	return e.events.Summary(recent, 10)
}

// SetBlacklist заменяет blacklist целиком (прогрев из Redis)
func (e *Engine) SetBlacklist(entries []string) error {
	next := newIPSet()
	for _, entry := range entries {
		if err := next.add(entry); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidRule, err)
		}
	}
	e.mu.Lock()
	e.blacklist = next
	e.mu.Unlock()
	return nil
}

// AllowIP добавляет адрес или CIDR в whitelist. Непустой whitelist делает членство обязательным.
func (e *Engine) AllowIP(entry string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.whitelist.add(entry); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRule, err)
	}
	return nil
}

func (e *Engine) DisallowIP(entry string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.whitelist.remove(entry)
}

// CheckRateLimit — прямой вызов лимитера (API)
func (e *Engine) CheckRateLimit(subject, rule string, increment bool) (bool, domain.RateLimitInfo) {
	return e.limiter.Check(subject, rule, increment)
}

// Maintain — периодическая уборка: истекшие правила, burst, пустые окна
func (e *Engine) Maintain() (purged []string, bursts int, windows int) {
	purged = e.PurgeExpired()
	bursts = e.limiter.ResetBursts()
	windows = e.limiter.Sweep()
	return purged, bursts, windows
}
