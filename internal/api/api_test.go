package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-controlplane/internal/admission"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"github.com/xela07ax/spaceai-controlplane/internal/metrics"
	"github.com/xela07ax/spaceai-controlplane/internal/supervisor"
	"go.uber.org/zap"
)

// staticValidator принимает один токен с заданными скоупами
type staticValidator struct {
	token  string
	scopes map[string]bool
}

func (v staticValidator) VerifyToken(tok string) (*domain.OperatorClaims, error) {
	if strings.TrimPrefix(tok, "Bearer ") != v.token {
		return nil, assert.AnError
	}
	return &domain.OperatorClaims{OperatorID: "ops", Scopes: v.scopes}, nil
}

func (v staticValidator) VerifyAPIKey(string) (*domain.OperatorClaims, error) {
	return nil, assert.AnError
}

type fakeStates struct{ states []supervisor.AgentState }

func (f fakeStates) States() []supervisor.AgentState { return f.states }
func (f fakeStates) State(name string) (supervisor.AgentState, bool) {
	for _, s := range f.states {
		if s.Name == name {
			return s, true
		}
	}
	return supervisor.AgentState{}, false
}

type fakeProber struct{}

func (fakeProber) Probe(_ context.Context, spec domain.HealthCheckSpec) domain.HealthCheckResult {
	return domain.NewResult(domain.HealthHealthy, "ok from "+spec.Target, nil)
}

type fakeDiscovery struct {
	endpoints map[string]domain.ServiceEndpoint
}

func (d *fakeDiscovery) Resolve(_ context.Context, name string) (domain.ServiceEndpoint, error) {
	ep, ok := d.endpoints[name]
	if !ok {
		return domain.ServiceEndpoint{}, &domain.ResolutionError{Name: name}
	}
	return ep, nil
}

func (d *fakeDiscovery) Register(_ context.Context, ep domain.ServiceEndpoint) error {
	d.endpoints[ep.Name] = ep
	return nil
}

func (d *fakeDiscovery) Unregister(_ context.Context, name string) error {
	delete(d.endpoints, name)
	return nil
}

func (d *fakeDiscovery) Snapshot() []domain.ServiceEndpoint {
	out := make([]domain.ServiceEndpoint, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		out = append(out, ep)
	}
	return out
}

type fixture struct {
	srv       *Server
	engine    *admission.Engine
	discovery *fakeDiscovery
}

func newFixture(t *testing.T, opts admission.Options, mutate func(*Deps)) fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	eng, err := admission.NewEngine(opts, admission.NewEventLog(100, nil), m, zap.NewNop())
	require.NoError(t, err)

	disc := &fakeDiscovery{endpoints: map[string]domain.ServiceEndpoint{
		"registry": {Name: "registry", Host: "10.0.0.5", Port: 7000, Protocol: "tcp", IsHealthy: true},
	}}
	deps := Deps{
		Graph: map[string]domain.AgentDescriptor{
			"registry": {Name: "registry", Port: 7000, Required: true,
				Health: domain.HealthCheckSpec{Transport: domain.TransportSocket, Target: "10.0.0.5:7001"}},
		},
		Agents: fakeStates{states: []supervisor.AgentState{
			{Name: "registry", Required: true, Status: domain.HealthHealthy},
		}},
		Prober:    fakeProber{},
		Discovery: disc,
		Admission: eng,
		Validator: staticValidator{token: "secret", scopes: map[string]bool{domain.ScopeRulesWrite: true}},
		Gatherer:  reg,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return fixture{srv: NewServer(deps, zap.NewNop()), engine: eng, discovery: disc}
}

func (f fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func TestServer_HealthAndTrace(t *testing.T) {
	f := newFixture(t, admission.Options{}, nil)

	rec := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))

	rec = f.do(http.MethodGet, "/health", "", "X-Trace-ID", "trace-42")
	assert.Equal(t, "trace-42", rec.Header().Get("X-Trace-ID"))
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t, admission.Options{}, nil)
	f.do(http.MethodGet, "/v1/agents", "")

	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "controlplane_admission_decisions_total")
}

func TestServer_Agents(t *testing.T) {
	f := newFixture(t, admission.Options{}, nil)

	rec := f.do(http.MethodGet, "/v1/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var states []supervisor.AgentState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &states))
	require.Len(t, states, 1)
	assert.Equal(t, domain.HealthHealthy, states[0].Status)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/agents/ghost", "").Code)

	rec = f.do(http.MethodPost, "/v1/agents/registry/probe", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "10.0.0.5:7001")
}

func TestServer_AdmissionDeniesBlacklisted(t *testing.T) {
	// httptest ставит RemoteAddr 192.0.2.1:1234
	f := newFixture(t, admission.Options{Blacklist: []string{"192.0.2.0/24"}}, nil)

	rec := f.do(http.MethodGet, "/v1/agents", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), domain.EventIPBlacklisted)

	// Мониторинг вне периметра движка доступа
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "").Code)
}

func TestServer_AdmissionThrottles(t *testing.T) {
	f := newFixture(t, admission.Options{
		RateLimits: []domain.RateLimitSpec{{
			Name: "rules-read", MaxRequests: 1, WindowSeconds: 60,
			Applies: map[string]domain.ConditionSpec{"path": {Regex: "^/v1/rules"}},
		}},
	}, nil)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/rules", "").Code)
	rec := f.do(http.MethodGet, "/v1/rules", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Другой субъект считается отдельно
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/rules", "", "X-Subject-ID", "svc-b").Code)
	// Лимит не задевает остальные пути
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/agents", "").Code)
}

func TestServer_AdmissionChallenge(t *testing.T) {
	f := newFixture(t, admission.Options{
		Rules: []domain.AccessRule{{
			Name: "bots", Priority: 1, Action: domain.ActionChallenge, Enabled: true,
			Conditions: map[string]domain.ConditionSpec{"user_agent": {Contains: "bot"}},
		}},
	}, nil)

	rec := f.do(http.MethodGet, "/v1/agents", "", "User-Agent", "crawler-bot/1.0")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "required", rec.Header().Get("X-Challenge"))
}

func TestServer_FloodGuard(t *testing.T) {
	f := newFixture(t, admission.Options{}, func(d *Deps) {
		d.RequestsPerSecond = 0.001
		d.Burst = 1
	})

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/agents", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodGet, "/v1/agents", "").Code)
}

func TestServer_Discovery(t *testing.T) {
	f := newFixture(t, admission.Options{}, func(d *Deps) {
		d.Validator = staticValidator{token: "ops", scopes: map[string]bool{domain.ScopeAgentsOps: true}}
	})

	rec := f.do(http.MethodGet, "/v1/discovery/registry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "10.0.0.5")
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/discovery/ghost", "").Code)

	body := `{"name":"tts","host":"10.0.0.9","port":7100,"protocol":"http"}`
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/v1/discovery", body).Code)

	rec = f.do(http.MethodPost, "/v1/discovery", body, "Authorization", "Bearer ops")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, f.discovery.endpoints, "tts")

	rec = f.do(http.MethodDelete, "/v1/discovery/tts", "", "Authorization", "Bearer ops")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotContains(t, f.discovery.endpoints, "tts")
}

func TestServer_EvaluateAndRateCheck(t *testing.T) {
	f := newFixture(t, admission.Options{
		RateLimits: []domain.RateLimitSpec{{Name: "api", MaxRequests: 1, WindowSeconds: 60,
			Applies: map[string]domain.ConditionSpec{"path": {Equals: "/never"}}}},
		Rules: []domain.AccessRule{{
			Name: "admins", Priority: 1, Action: domain.ActionDeny, Enabled: true,
			Conditions: map[string]domain.ConditionSpec{"role": {Equals: "intruder"}},
		}},
	}, nil)

	rec := f.do(http.MethodPost, "/v1/access/evaluate", `{"ip":"10.1.1.1","role":"intruder"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var d domain.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, domain.ActionDeny, d.Action)
	assert.Equal(t, "admins", d.Rule)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/access/evaluate", `not json`).Code)

	check := func(body string) bool {
		rec := f.do(http.MethodPost, "/v1/ratelimit/check", body)
		require.Equal(t, http.StatusOK, rec.Code)
		var out struct {
			Allowed bool `json:"allowed"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out.Allowed
	}
	assert.True(t, check(`{"subject":"u1","rule":"api","increment":false}`))
	assert.True(t, check(`{"subject":"u1","rule":"api"}`))
	assert.False(t, check(`{"subject":"u1","rule":"api"}`))
	assert.True(t, check(`{"subject":"u1","rule":"missing"}`))

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/ratelimit/check", `{"rule":"api"}`).Code)
}

func TestServer_RuleManagement(t *testing.T) {
	f := newFixture(t, admission.Options{}, nil)
	auth := []string{"Authorization", "Bearer secret"}

	rule := `{"name":"block-scanners","priority":5,"action":"DENY","enabled":true,
		"conditions":{"user_agent":{"contains":"sqlmap"}}}`

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/v1/rules", rule).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/rules", rule, auth...).Code)

	rec := f.do(http.MethodGet, "/v1/rules/block-scanners", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sqlmap")

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/v1/agents", "", "User-Agent", "sqlmap/1.7").Code)

	bad := `{"name":"broken","action":"DENY","enabled":true,"conditions":{"path":{"regex":"("}}}`
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/rules", bad, auth...).Code)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/v1/rules/block-scanners", "", auth...).Code)
	rec = f.do(http.MethodDelete, "/v1/rules/block-scanners", "", auth...)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), domain.ErrUnknownRule.Error())
	rec = f.do(http.MethodGet, "/v1/rules/block-scanners", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown rule: block-scanners")
	_, ok := f.engine.Rule("block-scanners")
	assert.False(t, ok)
}

func TestServer_ScopeEnforced(t *testing.T) {
	f := newFixture(t, admission.Options{}, func(d *Deps) {
		d.Validator = staticValidator{token: "reader", scopes: map[string]bool{}}
	})

	rec := f.do(http.MethodPost, "/v1/blocklist", `{"entry":"203.0.113.7"}`, "Authorization", "Bearer reader")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_MutationsClosedWithoutValidator(t *testing.T) {
	f := newFixture(t, admission.Options{}, func(d *Deps) { d.Validator = nil })

	rec := f.do(http.MethodPost, "/v1/rules", `{"name":"x","action":"ALLOW","enabled":true}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	// Чтение работает
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/rules", "").Code)
}

func TestServer_Blocklist(t *testing.T) {
	f := newFixture(t, admission.Options{}, func(d *Deps) {
		d.Validator = staticValidator{token: "ops", scopes: map[string]bool{domain.ScopeAdmin: true}}
	})
	auth := []string{"Authorization", "Bearer ops"}

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/blocklist", `{"entry":"203.0.113.0/24"}`, auth...).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/blocklist", `{"entry":"not-an-ip"}`, auth...).Code)

	rec := f.do(http.MethodGet, "/v1/blocklist", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "203.0.113.0/24")

	d := f.engine.EvaluateAccess(map[string]any{"ip": "203.0.113.50"})
	assert.Equal(t, domain.ActionDeny, d.Action)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/v1/blocklist", `{"entry":"203.0.113.0/24"}`, auth...).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/v1/blocklist", `{"entry":"203.0.113.0/24"}`, auth...).Code)
}

func TestServer_SecurityEvents(t *testing.T) {
	f := newFixture(t, admission.Options{Blacklist: []string{"198.51.100.1"}}, nil)
	for range 3 {
		f.engine.EvaluateAccess(map[string]any{"ip": "198.51.100.1"})
	}

	rec := f.do(http.MethodGet, "/v1/security/events?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []domain.SecurityEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 2)

	rec = f.do(http.MethodGet, "/v1/security/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sum domain.SecuritySummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 3, sum.TopSources["198.51.100.1"])
}

type fakeJournal struct {
	since time.Time
	limit int
}

func (j *fakeJournal) Recent(_ context.Context, since time.Time, limit int) ([]domain.SecurityEvent, error) {
	j.since, j.limit = since, limit
	return []domain.SecurityEvent{{ID: "e1", EventType: domain.EventRuleMatched}}, nil
}

func TestServer_SecurityJournal(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable,
		newFixture(t, admission.Options{}, nil).do(http.MethodGet, "/v1/security/journal", "").Code)

	j := &fakeJournal{}
	f := newFixture(t, admission.Options{}, func(d *Deps) { d.Journal = j })

	rec := f.do(http.MethodGet, "/v1/security/journal?since=2h&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "e1")
	assert.Equal(t, 5, j.limit)
	assert.WithinDuration(t, time.Now().Add(-2*time.Hour), j.since, time.Minute)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/security/journal?since=yesterday", "").Code)
}
