package engine

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"github.com/xela07ax/spaceai-controlplane/internal/infra"
	"go.uber.org/zap"
)

// HealthPublisher рассылает смену здоровья агентов: "name:STATUS"
type HealthPublisher struct {
	rdb *redis.Client
}

func NewHealthPublisher(rdb *redis.Client) *HealthPublisher {
	return &HealthPublisher{rdb: rdb}
}

func (p *HealthPublisher) PublishHealth(ctx context.Context, name string, status domain.HealthStatus) error {
	return p.rdb.Publish(ctx, infra.RedisChanAgentHealth, name+":"+string(status)).Err()
}

// StartHealthListener передает onSignal смену здоровья, опубликованную любым инстансом
// (включая этот). Блокирует до отмены ctx.
func StartHealthListener(ctx context.Context, rdb *redis.Client, logger *zap.Logger, onSignal func(name string, status domain.HealthStatus)) {
	ListenResilient(ctx, rdb, logger.With(zap.String("mod", "health-signals")), infra.RedisChanAgentHealth, nil,
		func(payload string) {
			i := strings.LastIndexByte(payload, ':')
			if i <= 0 || i == len(payload)-1 {
				logger.Warn("malformed health signal", zap.String("payload", payload))
				return
			}
			onSignal(payload[:i], domain.HealthStatus(payload[i+1:]))
		})
}
