package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
)

// endpointCache — L1 кэш резолва с окном свежести. Значения заменяются целиком.
type endpointCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]domain.ServiceEndpoint
}

func newEndpointCache(ttl time.Duration) *endpointCache {
	return &endpointCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]domain.ServiceEndpoint),
	}
}

// get отдает только свежие и здоровые записи
func (c *endpointCache) get(name string) (domain.ServiceEndpoint, bool) {
	c.mu.RLock()
	ep, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok || !ep.IsHealthy || !ep.Fresh(c.now(), c.ttl) {
		return domain.ServiceEndpoint{}, false
	}
	return ep, true
}

func (c *endpointCache) put(ep domain.ServiceEndpoint) {
	c.mu.Lock()
	c.entries[ep.Name] = ep
	c.mu.Unlock()
}

func (c *endpointCache) invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

// markUnhealthy заменяет запись копией с IsHealthy=false: следующий resolve пойдет по цепочке
func (c *endpointCache) markUnhealthy(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.entries[name]
	if !ok {
		return false
	}
	ep.IsHealthy = false
	ep.LastChecked = c.now()
	c.entries[name] = ep
	return true
}

func (c *endpointCache) snapshot() []domain.ServiceEndpoint {
	c.mu.RLock()
	out := make([]domain.ServiceEndpoint, 0, len(c.entries))
	for _, ep := range c.entries {
		out = append(out, ep)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
