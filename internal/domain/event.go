package domain

import "time"

type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "LOW"
	ThreatMedium   ThreatLevel = "MEDIUM"
	ThreatHigh     ThreatLevel = "HIGH"
	ThreatCritical ThreatLevel = "CRITICAL"
)

// Типы событий безопасности
const (
	EventIPBlacklisted     = "ip_blacklisted"
	EventIPNotWhitelisted  = "ip_not_whitelisted"
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventRuleMatched       = "rule_matched"
)

// SecurityEvent — запись append-only кольцевого буфера. Только для аудита.
type SecurityEvent struct {
	ID          string      `json:"id"`
	EventType   string      `json:"event_type"`
	ThreatLevel ThreatLevel `json:"threat_level"`
	SourceIP    string      `json:"source_ip"`
	SubjectID   string      `json:"subject_id"`
	Description string      `json:"description"`
	Rule        string      `json:"rule,omitempty"`   // Какое правило сработало
	Action      Action      `json:"action,omitempty"` // Итоговое решение
	Timestamp   time.Time   `json:"timestamp"`
}

// SecuritySummary — агрегат по буферу событий
type SecuritySummary struct {
	Total         int                 `json:"total"`
	ByType        map[string]int      `json:"by_type"`
	ByThreatLevel map[ThreatLevel]int `json:"by_threat_level"`
	TopSources    map[string]int      `json:"top_sources"`
	Recent        []SecurityEvent     `json:"recent"`
	Since         time.Time           `json:"since"`
}

// Decision — итог evaluateAccess
type Decision struct {
	Action    Action         `json:"action"`
	Reason    string         `json:"reason"`
	Rule      string         `json:"rule,omitempty"`
	RateLimit *RateLimitInfo `json:"rate_limit,omitempty"`
}
