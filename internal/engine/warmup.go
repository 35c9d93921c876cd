package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// WarmupSet дозаливает seed в Redis-множество (SAdd идемпотентен, уже лежащие
// элементы не трогаются). Одновременно греет один инстанс: остальные видят занятый lockKey и выходят.
func WarmupSet(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	seed []string,
	redisKey string,
	lockKey string,
) error {
	if len(seed) == 0 {
		return nil
	}

	// 1. Распределенная блокировка (SetNX), чтобы только один инстанс обновлял Redis
	ok, err := rdb.SetNX(ctx, lockKey, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil // Либо ошибка сети, либо другой уже греет кэш
	}
	defer func() {
		if err := rdb.Del(context.WithoutCancel(ctx), lockKey).Err(); err != nil {
			logger.Warn("could not release warm-up lock", zap.String("key", lockKey), zap.Error(err))
		}
	}()

	// 2. Заливаем конфиг поверх того, что уже есть
	members := make([]any, len(seed))
	for i, id := range seed {
		members[i] = id
	}
	added, err := rdb.SAdd(ctx, redisKey, members...).Result()
	if err != nil {
		return err
	}
	if added > 0 {
		logger.Info("Redis set warmed up from config",
			zap.String("key", redisKey), zap.Int64("added", added), zap.Int("seed", len(seed)))
	}
	return nil
}
