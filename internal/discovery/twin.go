package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"github.com/xela07ax/spaceai-controlplane/internal/infra"
)

// TwinRegistry — "digital twin" реестр в Redis: хэш на агента с TTL и индекс-множество.
// Последняя ступень цепочки резолва и зеркало регистрации.
type TwinRegistry struct {
	rdb       *redis.Client
	namespace string
	ttl       time.Duration
}

func NewTwinRegistry(rdb *redis.Client, namespace string, ttl time.Duration) *TwinRegistry {
	if namespace == "" {
		namespace = infra.RedisNamespace
	}
	return &TwinRegistry{rdb: rdb, namespace: namespace, ttl: ttl}
}

func (t *TwinRegistry) Name() string { return StrategyTwin }

func (t *TwinRegistry) Resolve(ctx context.Context, name string) (domain.ServiceEndpoint, error) {
	fields, err := t.rdb.HGetAll(ctx, infra.TwinAgentKey(t.namespace, name)).Result()
	if err != nil {
		return domain.ServiceEndpoint{}, fmt.Errorf("twin: hgetall %s: %w", name, err)
	}
	if len(fields) == 0 {
		return domain.ServiceEndpoint{}, fmt.Errorf("twin: %s: %w", name, domain.ErrNotFound)
	}

	port, err := strconv.Atoi(fields["port"])
	if err != nil {
		return domain.ServiceEndpoint{}, fmt.Errorf("twin: %s has bad port %q: %w", name, fields["port"], err)
	}
	healthPort, _ := strconv.Atoi(fields["health_port"])

	ep := domain.ServiceEndpoint{
		Name:       name,
		Host:       fields["host"],
		Port:       port,
		HealthPort: healthPort,
		Protocol:   fields["protocol"],
		IsHealthy:  fields["healthy"] != "0",
	}
	if caps := fields["capabilities"]; caps != "" {
		ep.Capabilities = strings.Split(caps, ",")
	}
	if meta := fields["metadata"]; meta != "" {
		if err := json.Unmarshal([]byte(meta), &ep.Metadata); err != nil {
			return domain.ServiceEndpoint{}, fmt.Errorf("twin: %s has bad metadata: %w", name, err)
		}
	}
	if !ep.IsHealthy {
		return domain.ServiceEndpoint{}, fmt.Errorf("twin: %s marked unhealthy: %w", name, domain.ErrNotFound)
	}
	return ep, nil
}

func (t *TwinRegistry) Register(ctx context.Context, ep domain.ServiceEndpoint) error {
	meta, err := json.Marshal(ep.Metadata)
	if err != nil {
		return fmt.Errorf("twin: encode metadata: %w", err)
	}
	key := infra.TwinAgentKey(t.namespace, ep.Name)

	pipe := t.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"host", ep.Host,
		"port", ep.Port,
		"health_port", ep.HealthPort,
		"protocol", ep.Protocol,
		"capabilities", strings.Join(ep.Capabilities, ","),
		"metadata", string(meta),
		"healthy", "1",
		"last_seen", time.Now().UTC().Format(time.RFC3339),
	)
	if t.ttl > 0 {
		pipe.Expire(ctx, key, t.ttl)
	}
	pipe.SAdd(ctx, infra.TwinIndexKey(t.namespace), ep.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("twin: register %s: %w", ep.Name, err)
	}
	return nil
}

func (t *TwinRegistry) Unregister(ctx context.Context, name string) error {
	pipe := t.rdb.TxPipeline()
	pipe.Del(ctx, infra.TwinAgentKey(t.namespace, name))
	pipe.SRem(ctx, infra.TwinIndexKey(t.namespace), name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("twin: unregister %s: %w", name, err)
	}
	return nil
}

// MarkUnhealthy помечает двойника нездоровым, не удаляя запись
func (t *TwinRegistry) MarkUnhealthy(ctx context.Context, name string) error {
	key := infra.TwinAgentKey(t.namespace, name)
	n, err := t.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("twin: exists %s: %w", name, err)
	}
	if n == 0 {
		return nil
	}
	return t.rdb.HSet(ctx, key, "healthy", "0").Err()
}
