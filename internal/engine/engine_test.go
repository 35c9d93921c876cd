package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-controlplane/internal/admission"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"github.com/xela07ax/spaceai-controlplane/internal/infra"
	"go.uber.org/zap"
)

type fakeBlocker struct {
	mu  sync.Mutex
	set map[string]bool
}

func newFakeBlocker() *fakeBlocker { return &fakeBlocker{set: map[string]bool{}} }

func (b *fakeBlocker) BlockIP(entry string) error {
	if entry == "bad" {
		return errors.New("bad ip")
	}
	b.mu.Lock()
	b.set[entry] = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBlocker) UnblockIP(entry string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ok := b.set[entry]
	delete(b.set, entry)
	return ok
}

func (b *fakeBlocker) SetBlacklist(entries []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.set = map[string]bool{}
	for _, e := range entries {
		b.set[e] = true
	}
	return nil
}

func (b *fakeBlocker) has(entry string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.set[entry]
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestParseToggle(t *testing.T) {
	id, on, ok := ParseToggle("10.0.0.1:on")
	assert.True(t, ok)
	assert.True(t, on)
	assert.Equal(t, "10.0.0.1", id)

	id, on, ok = ParseToggle("2001:db8::1:off")
	assert.True(t, ok)
	assert.False(t, on)
	assert.Equal(t, "2001:db8::1", id)

	_, _, ok = ParseToggle("no-flag")
	assert.False(t, ok)
	_, _, ok = ParseToggle("x:maybe")
	assert.False(t, ok)
}

func TestWarmupSet_MergesAndReleasesLock(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()

	require.NoError(t, WarmupSet(ctx, rdb, zap.NewNop(), []string{"a", "b"}, "set", "lock"))
	members, err := mr.Members("set")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)
	assert.False(t, mr.Exists("lock"))

	// Непустое множество дополняется, а не пропускается
	require.NoError(t, WarmupSet(ctx, rdb, zap.NewNop(), []string{"b", "c"}, "set", "lock"))
	members, _ = mr.Members("set")
	assert.ElementsMatch(t, []string{"a", "b", "c"}, members)

	// Лок держит другой инстанс
	require.NoError(t, mr.Set("lock", "processing"))
	require.NoError(t, WarmupSet(ctx, rdb, zap.NewNop(), []string{"d"}, "set", "lock"))
	members, _ = mr.Members("set")
	assert.Len(t, members, 3)
}

func TestBlocklistManager_InitKeepsConfigEntries(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()
	_, err := mr.SAdd(infra.RedisKeyBlacklist, "9.9.9.9")
	require.NoError(t, err)

	local := newFakeBlocker()
	m := NewBlocklistManager(rdb, local, zap.NewNop())
	require.NoError(t, m.Init(ctx, []string{"1.2.3.4"}))

	assert.True(t, local.has("1.2.3.4"))
	assert.True(t, local.has("9.9.9.9"))
	ok, _ := mr.SIsMember(infra.RedisKeyBlacklist, "1.2.3.4")
	assert.True(t, ok)

	// Пересинхронизация (переподключение) не теряет записи конфига
	mr.SRem(infra.RedisKeyBlacklist, "1.2.3.4")
	require.NoError(t, m.sync(ctx))
	assert.True(t, local.has("1.2.3.4"))
	assert.True(t, local.has("9.9.9.9"))
}

func TestBlocklistManager_ConfigEntryDeniedWithPopulatedRedis(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()
	_, err := mr.SAdd(infra.RedisKeyBlacklist, "9.9.9.9")
	require.NoError(t, err)

	eng, err := admission.NewEngine(admission.Options{}, admission.NewEventLog(10, nil), nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, NewBlocklistManager(rdb, eng, zap.NewNop()).Init(ctx, []string{"1.2.3.4"}))

	for _, ip := range []string{"1.2.3.4", "9.9.9.9"} {
		d := eng.EvaluateAccess(map[string]any{"ip": ip})
		assert.Equal(t, domain.ActionDeny, d.Action, ip)
	}
}

func TestBlocklistManager_InitBlockUnblock(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()
	local := newFakeBlocker()
	m := NewBlocklistManager(rdb, local, zap.NewNop())

	require.NoError(t, m.Init(ctx, []string{"6.6.6.6"}))
	assert.True(t, local.has("6.6.6.6"))

	require.NoError(t, m.Block(ctx, "7.7.7.7"))
	assert.True(t, local.has("7.7.7.7"))
	ok, err := mr.SIsMember(infra.RedisKeyBlacklist, "7.7.7.7")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Error(t, m.Block(ctx, "bad"))
	ok, _ = mr.SIsMember(infra.RedisKeyBlacklist, "bad")
	assert.False(t, ok)

	require.NoError(t, m.Unblock(ctx, "7.7.7.7"))
	assert.False(t, local.has("7.7.7.7"))
	ok, _ = mr.SIsMember(infra.RedisKeyBlacklist, "7.7.7.7")
	assert.False(t, ok)
}

func TestBlocklistManager_ListenerAppliesSignals(t *testing.T) {
	mr, rdb := newRedis(t)
	local := newFakeBlocker()
	m := NewBlocklistManager(rdb, local, zap.NewNop())

	// Состояние, записанное другим инстансом до старта
	mr.SAdd(infra.RedisKeyBlacklist, "1.1.1.1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.StartListener(ctx)
		close(done)
	}()

	// onReconnect синхронизирует множество
	require.Eventually(t, func() bool { return local.has("1.1.1.1") }, 2*time.Second, 10*time.Millisecond)

	mr.Publish(infra.RedisChanBlacklist, "2.2.2.2:on")
	require.Eventually(t, func() bool { return local.has("2.2.2.2") }, 2*time.Second, 10*time.Millisecond)

	mr.Publish(infra.RedisChanBlacklist, "1.1.1.1:off")
	require.Eventually(t, func() bool { return !local.has("1.1.1.1") }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

type memStore struct {
	mu    sync.Mutex
	rules map[string]domain.AccessRule
}

func (s *memStore) ListRules(context.Context) ([]domain.AccessRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AccessRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memStore) UpsertRule(_ context.Context, r domain.AccessRule) error {
	s.mu.Lock()
	s.rules[r.Name] = r
	s.mu.Unlock()
	return nil
}

func (s *memStore) DeleteRule(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rules[name]
	delete(s.rules, name)
	return ok, nil
}

type capturedRules struct {
	mu    sync.Mutex
	rules []domain.AccessRule
	calls int
}

func (c *capturedRules) ReplaceRules(rules []domain.AccessRule) error {
	c.mu.Lock()
	c.rules = rules
	c.calls++
	c.mu.Unlock()
	return nil
}

func (c *capturedRules) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.Name
	}
	return out
}

func TestRuleSync_MergesStaticAndStored(t *testing.T) {
	store := &memStore{rules: map[string]domain.AccessRule{
		"shared": {Name: "shared", Priority: 1, Action: domain.ActionDeny},
	}}
	set := &capturedRules{}
	static := []domain.AccessRule{
		{Name: "shared", Priority: 99, Action: domain.ActionAllow},
		{Name: "cfg-only", Priority: 5, Action: domain.ActionAllow},
	}
	s := NewRuleSync(store, set, nil, static, zap.NewNop())

	require.NoError(t, s.Reload(context.Background()))
	assert.ElementsMatch(t, []string{"shared", "cfg-only"}, set.names())
	for _, r := range set.rules {
		if r.Name == "shared" {
			assert.Equal(t, domain.ActionDeny, r.Action, "db wins over config")
		}
	}
}

func TestRuleSync_SavePublishesReload(t *testing.T) {
	mr, rdb := newRedis(t)
	store := &memStore{rules: map[string]domain.AccessRule{}}

	// Второй инстанс слушает сигнал
	peer := &capturedRules{}
	peerSync := NewRuleSync(store, peer, rdb, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go peerSync.StartListener(ctx)
	require.Eventually(t, func() bool {
		peer.mu.Lock()
		defer peer.mu.Unlock()
		return peer.calls == 1 // синк при подписке
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(mr.PubSubChannels("")) == 1 }, 2*time.Second, 10*time.Millisecond)

	local := &capturedRules{}
	s := NewRuleSync(store, local, rdb, nil, zap.NewNop())
	require.NoError(t, s.Save(context.Background(), domain.AccessRule{Name: "new", Action: domain.ActionDeny}))
	assert.Equal(t, []string{"new"}, local.names())

	require.Eventually(t, func() bool { return len(peer.names()) == 1 }, 2*time.Second, 10*time.Millisecond)

	found, err := s.Delete(context.Background(), "new")
	require.NoError(t, err)
	assert.True(t, found)
	found, err = s.Delete(context.Background(), "new")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHealthPublisher(t *testing.T) {
	_, rdb := newRedis(t)
	sub := rdb.Subscribe(context.Background(), infra.RedisChanAgentHealth)
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	p := NewHealthPublisher(rdb)
	require.NoError(t, p.PublishHealth(context.Background(), "memory", domain.HealthTimeout))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "memory:TIMEOUT", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no health signal")
	}
}

func TestHealthListener_DeliversPeerSignals(t *testing.T) {
	mr, rdb := newRedis(t)

	type signal struct {
		name   string
		status domain.HealthStatus
	}
	got := make(chan signal, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go StartHealthListener(ctx, rdb, zap.NewNop(), func(name string, st domain.HealthStatus) {
		got <- signal{name, st}
	})

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(infra.RedisChanAgentHealth)[infra.RedisChanAgentHealth] == 1
	}, 2*time.Second, 10*time.Millisecond)

	mr.Publish(infra.RedisChanAgentHealth, "garbage")
	require.NoError(t, NewHealthPublisher(rdb).PublishHealth(ctx, "tts", domain.HealthUnreachable))

	select {
	case s := <-got:
		assert.Equal(t, signal{"tts", domain.HealthUnreachable}, s)
	case <-time.After(2 * time.Second):
		t.Fatal("no health signal")
	}
}
