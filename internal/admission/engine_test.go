package admission

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"go.uber.org/zap"
)

type recordingObserver struct {
	mu      sync.Mutex
	actions []domain.Action
}

func (o *recordingObserver) ObserveDecision(a domain.Action, _ string) {
	o.mu.Lock()
	o.actions = append(o.actions, a)
	o.mu.Unlock()
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *recordingObserver) {
	t.Helper()
	obs := &recordingObserver{}
	e, err := NewEngine(opts, NewEventLog(100, nil), obs, zap.NewNop())
	require.NoError(t, err)
	return e, obs
}

func rule(name string, priority int, action domain.Action, conds map[string]domain.ConditionSpec) domain.AccessRule {
	return domain.AccessRule{Name: name, Priority: priority, Action: action, Enabled: true, Conditions: conds}
}

func TestEngine_BlacklistAlwaysDenies(t *testing.T) {
	e, obs := newTestEngine(t, Options{
		Blacklist: []string{"10.0.0.66"},
		Rules:     []domain.AccessRule{rule("allow-all", 0, domain.ActionAllow, nil)},
	})

	d := e.EvaluateAccess(map[string]any{"ip": "10.0.0.66", "path": "/v1"})
	assert.Equal(t, domain.ActionDeny, d.Action)
	assert.Equal(t, domain.EventIPBlacklisted, d.Reason)

	recent := e.Events().Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.ThreatHigh, recent[0].ThreatLevel)
	assert.Equal(t, "10.0.0.66", recent[0].SourceIP)
	assert.Equal(t, []domain.Action{domain.ActionDeny}, obs.actions)
}

func TestEngine_BlacklistBeatsWhitelist(t *testing.T) {
	e, _ := newTestEngine(t, Options{
		Blacklist: []string{"192.168.1.0/24"},
		Whitelist: []string{"192.168.0.0/16"},
	})

	assert.Equal(t, domain.ActionDeny, e.EvaluateAccess(map[string]any{"ip": "192.168.1.7"}).Action)
	assert.Equal(t, domain.ActionAllow, e.EvaluateAccess(map[string]any{"ip": "192.168.2.7"}).Action)
}

func TestEngine_WhitelistMandatoryWhenSet(t *testing.T) {
	e, _ := newTestEngine(t, Options{Whitelist: []string{"127.0.0.1"}})

	assert.Equal(t, domain.ActionAllow, e.EvaluateAccess(map[string]any{"source_ip": "127.0.0.1:5555"}).Action)

	d := e.EvaluateAccess(map[string]any{"ip": "8.8.8.8"})
	assert.Equal(t, domain.ActionDeny, d.Action)
	assert.Equal(t, domain.EventIPNotWhitelisted, d.Reason)

	d = e.EvaluateAccess(map[string]any{"path": "/"})
	assert.Equal(t, domain.ActionDeny, d.Action, "no ip in context")
}

func TestEngine_LowerPriorityWins(t *testing.T) {
	conds := map[string]domain.ConditionSpec{"path": {Regex: "^/admin"}}
	e, _ := newTestEngine(t, Options{Rules: []domain.AccessRule{
		rule("late", 100, domain.ActionAllow, conds),
		rule("early", 10, domain.ActionDeny, conds),
	}})

	d := e.EvaluateAccess(map[string]any{"ip": "1.2.3.4", "path": "/admin/users"})
	assert.Equal(t, domain.ActionDeny, d.Action)
	assert.Equal(t, "early", d.Rule)
	assert.Equal(t, domain.EventRuleMatched, d.Reason)
}

func TestEngine_DefaultAllowWithoutEvent(t *testing.T) {
	e, _ := newTestEngine(t, Options{Rules: []domain.AccessRule{
		rule("bots", 1, domain.ActionChallenge, map[string]domain.ConditionSpec{"user_agent": {Contains: "bot"}}),
	}})

	d := e.EvaluateAccess(map[string]any{"ip": "1.2.3.4", "user_agent": "curl/8"})
	assert.Equal(t, domain.ActionAllow, d.Action)
	assert.Equal(t, 0, e.Events().Len())

	d = e.EvaluateAccess(map[string]any{"ip": "1.2.3.4", "user_agent": "googlebot"})
	assert.Equal(t, domain.ActionChallenge, d.Action)
	assert.Equal(t, 1, e.Events().Len())
	assert.Equal(t, domain.ThreatMedium, e.Events().Recent(1)[0].ThreatLevel)
}

func TestEngine_DisabledAndExpiredRulesSkipped(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	disabled := rule("off", 1, domain.ActionDeny, nil)
	disabled.Enabled = false
	expired := rule("old", 2, domain.ActionDeny, nil)
	expired.ExpiresAt = &past

	e, _ := newTestEngine(t, Options{Rules: []domain.AccessRule{disabled, expired}})
	assert.Equal(t, domain.ActionAllow, e.EvaluateAccess(map[string]any{"ip": "1.2.3.4"}).Action)

	assert.Equal(t, []string{"old"}, e.PurgeExpired())
	require.Len(t, e.Rules(), 1)
	assert.Equal(t, "off", e.Rules()[0].Name)
}

func TestEngine_RateLimitThrottles(t *testing.T) {
	e, _ := newTestEngine(t, Options{
		RateLimits: []domain.RateLimitSpec{{
			Name: "login", MaxRequests: 2, WindowSeconds: 60,
			Applies: map[string]domain.ConditionSpec{"path": {Equals: "/login"}},
		}},
	})

	ctx := map[string]any{"ip": "1.2.3.4", "subject_id": "alice", "path": "/login"}
	assert.Equal(t, domain.ActionAllow, e.EvaluateAccess(ctx).Action)
	assert.Equal(t, domain.ActionAllow, e.EvaluateAccess(ctx).Action)

	d := e.EvaluateAccess(ctx)
	assert.Equal(t, domain.ActionThrottle, d.Action)
	assert.Equal(t, "login", d.Rule)
	require.NotNil(t, d.RateLimit)
	assert.Greater(t, d.RateLimit.RetryAfter, time.Duration(0))

	// Другой путь под лимит не попадает
	other := map[string]any{"ip": "1.2.3.4", "subject_id": "alice", "path": "/home"}
	assert.Equal(t, domain.ActionAllow, e.EvaluateAccess(other).Action)

	// Другой субъект считается отдельно
	bob := map[string]any{"ip": "1.2.3.4", "subject_id": "bob", "path": "/login"}
	assert.Equal(t, domain.ActionAllow, e.EvaluateAccess(bob).Action)

	ev := e.Events().Recent(1)[0]
	assert.Equal(t, domain.EventRateLimitExceeded, ev.EventType)
	assert.Equal(t, "alice", ev.SubjectID)
}

func TestEngine_ThrottleDoesNotConsumeOtherLimits(t *testing.T) {
	e, _ := newTestEngine(t, Options{
		RateLimits: []domain.RateLimitSpec{
			{Name: "a-wide", MaxRequests: 3, WindowSeconds: 60},
			{Name: "b-tight", MaxRequests: 1, WindowSeconds: 60},
		},
	})

	ctx := map[string]any{"ip": "1.2.3.4", "subject_id": "u1"}
	assert.Equal(t, domain.ActionAllow, e.EvaluateAccess(ctx).Action)
	for range 3 {
		d := e.EvaluateAccess(ctx)
		assert.Equal(t, domain.ActionThrottle, d.Action)
		assert.Equal(t, "b-tight", d.Rule)
	}

	_, info := e.CheckRateLimit("u1", "a-wide", false)
	assert.Equal(t, 1, info.Count)
	assert.Equal(t, 2, info.Remaining)
}

func TestEngine_AddRemoveKeepsPriorityOrder(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	require.NoError(t, e.AddRule(rule("c", 30, domain.ActionAllow, nil)))
	require.NoError(t, e.AddRule(rule("a", 10, domain.ActionAllow, nil)))
	require.NoError(t, e.AddRule(rule("b", 20, domain.ActionAllow, nil)))
	assert.Equal(t, []string{"a", "b", "c"}, ruleNames(e.Rules()))

	// Замена по имени меняет позицию
	require.NoError(t, e.AddRule(rule("a", 40, domain.ActionDeny, nil)))
	assert.Equal(t, []string{"b", "c", "a"}, ruleNames(e.Rules()))

	assert.True(t, e.RemoveRule("c"))
	assert.False(t, e.RemoveRule("c"))
	assert.Equal(t, []string{"b", "a"}, ruleNames(e.Rules()))

	r, ok := e.Rule("a")
	require.True(t, ok)
	assert.Equal(t, domain.ActionDeny, r.Action)
}

func TestEngine_RejectsInvalidRules(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	err := e.AddRule(rule("two", 1, domain.ActionDeny, map[string]domain.ConditionSpec{
		"path": {Regex: "^/", Contains: "x"},
	}))
	assert.ErrorIs(t, err, domain.ErrInvalidRule)

	err = e.AddRule(rule("bad-regex", 1, domain.ActionDeny, map[string]domain.ConditionSpec{"path": {Regex: "("}}))
	assert.ErrorIs(t, err, domain.ErrInvalidRule)

	err = e.AddRule(rule("bad-action", 1, "EXPLODE", nil))
	assert.ErrorIs(t, err, domain.ErrInvalidRule)

	err = e.ReplaceRules([]domain.AccessRule{rule("dup", 1, domain.ActionAllow, nil), rule("dup", 2, domain.ActionDeny, nil)})
	assert.ErrorIs(t, err, domain.ErrInvalidRule)

	assert.Empty(t, e.Rules())
}

func TestEngine_BlockAndUnblock(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := map[string]any{"ip": "::ffff:10.1.2.3"}

	require.NoError(t, e.BlockIP("10.1.0.0/16"))
	assert.Equal(t, domain.ActionDeny, e.EvaluateAccess(ctx).Action)
	assert.Equal(t, []string{"10.1.0.0/16"}, e.Blacklist())

	assert.True(t, e.UnblockIP("10.1.0.0/16"))
	assert.Equal(t, domain.ActionAllow, e.EvaluateAccess(ctx).Action)

	assert.Error(t, e.BlockIP("not-an-ip"))

	require.NoError(t, e.SetBlacklist([]string{"10.1.2.3"}))
	assert.Equal(t, domain.ActionDeny, e.EvaluateAccess(ctx).Action)
}

func TestEngine_SummaryCountsEvents(t *testing.T) {
	e, _ := newTestEngine(t, Options{Blacklist: []string{"6.6.6.6"}})

	for range 3 {
		e.EvaluateAccess(map[string]any{"ip": "6.6.6.6"})
	}
	e.EvaluateAccess(map[string]any{"ip": "1.1.1.1"})

	s := e.Summary(2)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 3, s.ByType[domain.EventIPBlacklisted])
	assert.Equal(t, 3, s.ByThreatLevel[domain.ThreatHigh])
	assert.Equal(t, 3, s.TopSources["6.6.6.6"])
	assert.Len(t, s.Recent, 2)
}

func TestEngine_ConcurrentEvaluate(t *testing.T) {
	e, _ := newTestEngine(t, Options{
		Blacklist:  []string{"6.6.6.6"},
		RateLimits: []domain.RateLimitSpec{{Name: "all", MaxRequests: 1000, WindowSeconds: 60}},
	})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Go(func() {
			for j := range 50 {
				e.EvaluateAccess(map[string]any{"ip": "1.1.1.1", "n": i*j})
				if j%10 == 0 {
					_ = e.AddRule(rule("r", j, domain.ActionAllow, nil))
				}
			}
		})
	}
	wg.Wait()

	ok, info := e.CheckRateLimit("1.1.1.1", "all", false)
	assert.True(t, ok)
	assert.Equal(t, 400, info.Count)
}

func ruleNames(rules []domain.AccessRule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.Name
	}
	return out
}

func TestEngine_MaintainPurgesAndResetsBurst(t *testing.T) {
	past := time.Now().Add(-time.Second)
	expired := rule("temp-ban", 1, domain.ActionDeny, map[string]domain.ConditionSpec{"subject_id": {Equals: "mallory"}})
	expired.ExpiresAt = &past

	e, _ := newTestEngine(t, Options{
		Rules:      []domain.AccessRule{expired},
		RateLimits: []domain.RateLimitSpec{{Name: "api", MaxRequests: 1, WindowSeconds: 60, BurstAllowance: 1}},
	})

	// Исчерпываем лимит и burst
	ok, _ := e.CheckRateLimit("bob", "api", true)
	require.True(t, ok)
	ok, info := e.CheckRateLimit("bob", "api", true)
	require.True(t, ok)
	require.True(t, info.UsedBurst)
	ok, _ = e.CheckRateLimit("bob", "api", true)
	require.False(t, ok)

	purged, bursts, _ := e.Maintain()
	assert.Equal(t, []string{"temp-ban"}, purged)
	assert.Equal(t, 1, bursts)
	assert.Empty(t, e.Rules())

	// Окно bob еще живо, но burst снова доступен
	ok, info = e.CheckRateLimit("bob", "api", true)
	assert.True(t, ok)
	assert.Equal(t, 1, info.BurstUsed)
}
