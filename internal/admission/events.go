package admission

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
)

// Sink — внешний журнал событий (например, батчер в Postgres). Не должен блокировать.
type Sink interface {
	Record(ev domain.SecurityEvent)
}

// EventLog — append-only кольцевой буфер событий безопасности.
// Только для аудита и сводок: решения по нему не принимаются.
type EventLog struct {
	mu    sync.RWMutex
	buf   []domain.SecurityEvent
	next  int
	full  bool
	since time.Time
	sink  Sink
	now   func() time.Time
}

func NewEventLog(capacity int, sink Sink) *EventLog {
	if capacity <= 0 {
		capacity = 1000
	}
	return &EventLog{
		buf:   make([]domain.SecurityEvent, capacity),
		since: time.Now(),
		sink:  sink,
		now:   time.Now,
	}
}

// Append дописывает событие, вытесняя самое старое при заполнении
func (l *EventLog) Append(ev domain.SecurityEvent) domain.SecurityEvent {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}

	l.mu.Lock()
	l.buf[l.next] = ev
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	if l.sink != nil {
		l.sink.Record(ev)
	}
	return ev
}

func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return len(l.buf)
	}
	return l.next
}

// Recent — до limit последних событий, новые первыми (limit <= 0 — все)
func (l *EventLog) Recent(limit int) []domain.SecurityEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.recentLocked(limit)
}

func (l *EventLog) recentLocked(limit int) []domain.SecurityEvent {
	n := l.next
	if l.full {
		n = len(l.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.SecurityEvent, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// Summary — агрегаты по содержимому буфера и recent последних событий
func (l *EventLog) Summary(recent int, topSources int) domain.SecuritySummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.recentLocked(0)
	s := domain.SecuritySummary{
		Total:         len(all),
		ByType:        make(map[string]int),
		ByThreatLevel: make(map[domain.ThreatLevel]int),
		TopSources:    make(map[string]int),
		Since:         l.since,
	}
	sources := make(map[string]int)
	for _, ev := range all {
		s.ByType[ev.EventType]++
		s.ByThreatLevel[ev.ThreatLevel]++
		if ev.SourceIP != "" {
			sources[ev.SourceIP]++
		}
	}

	ips := make([]string, 0, len(sources))
	for ip := range sources {
		ips = append(ips, ip)
	}
	sort.Slice(ips, func(i, j int) bool {
		if sources[ips[i]] != sources[ips[j]] {
			return sources[ips[i]] > sources[ips[j]]
		}
		return ips[i] < ips[j]
	})
	for i, ip := range ips {
		if topSources > 0 && i >= topSources {
			break
		}
		s.TopSources[ip] = sources[ip]
	}

	if recent > len(all) {
		recent = len(all)
	}
	if recent > 0 {
		s.Recent = all[:recent]
	}
	return s
}
