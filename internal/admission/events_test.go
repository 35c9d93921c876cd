package admission

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
)

type collectingSink struct {
	mu     sync.Mutex
	events []domain.SecurityEvent
}

func (s *collectingSink) Record(ev domain.SecurityEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func TestEventLog_WrapsAndKeepsNewest(t *testing.T) {
	sink := &collectingSink{}
	log := NewEventLog(3, sink)

	for i := range 5 {
		log.Append(domain.SecurityEvent{EventType: domain.EventRuleMatched, Description: fmt.Sprint(i)})
	}

	assert.Equal(t, 3, log.Len())
	recent := log.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "4", recent[0].Description)
	assert.Equal(t, "2", recent[2].Description)
	assert.NotEmpty(t, recent[0].ID)
	assert.False(t, recent[0].Timestamp.IsZero())

	assert.Len(t, sink.events, 5, "sink sees every event, ring keeps the tail")
	assert.Len(t, log.Recent(2), 2)
}

func TestEventLog_SummaryTopSources(t *testing.T) {
	log := NewEventLog(50, nil)
	for i := range 12 {
		log.Append(domain.SecurityEvent{
			EventType:   domain.EventIPBlacklisted,
			ThreatLevel: domain.ThreatHigh,
			SourceIP:    fmt.Sprintf("10.0.0.%d", i%4),
		})
	}
	log.Append(domain.SecurityEvent{EventType: domain.EventRateLimitExceeded, ThreatLevel: domain.ThreatMedium})

	s := log.Summary(5, 2)
	assert.Equal(t, 13, s.Total)
	assert.Equal(t, 12, s.ByType[domain.EventIPBlacklisted])
	assert.Equal(t, 1, s.ByThreatLevel[domain.ThreatMedium])
	assert.Len(t, s.TopSources, 2)
	assert.Equal(t, 3, s.TopSources["10.0.0.0"])
	assert.Len(t, s.Recent, 5)
	assert.Equal(t, domain.EventRateLimitExceeded, s.Recent[0].EventType)
}
