package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-controlplane/internal/infra"
	"go.uber.org/zap"
)

// IPBlocker — локальный (L1) blacklist движка доступа
type IPBlocker interface {
	BlockIP(entry string) error
	UnblockIP(entry string) bool
	SetBlacklist(entries []string) error
}

// BlocklistManager держит blacklist инстансов согласованным через Redis:
// множество — источник правды, pub/sub — мгновенная доставка изменений.
type BlocklistManager struct {
	rdb    *redis.Client
	local  IPBlocker
	logger *zap.Logger

	// seed — blacklist из конфига; остается в силе при любом содержимом Redis
	seed []string
}

func NewBlocklistManager(rdb *redis.Client, local IPBlocker, logger *zap.Logger) *BlocklistManager {
	return &BlocklistManager{
		rdb:    rdb,
		local:  local,
		logger: logger.With(zap.String("mod", "blocklist")),
	}
}

// Init дозаливает в Redis blacklist из конфига и загружает множество в движок
func (m *BlocklistManager) Init(ctx context.Context, seed []string) error {
	m.seed = append([]string(nil), seed...)
	if err := WarmupSet(ctx, m.rdb, m.logger, seed, infra.RedisKeyBlacklist, infra.RedisKeyLockBlacklist); err != nil {
		return fmt.Errorf("blocklist warm-up: %w", err)
	}
	return m.sync(ctx)
}

// sync заменяет локальный blacklist содержимым Redis плюс записями конфига
func (m *BlocklistManager) sync(ctx context.Context) error {
	entries, err := m.rdb.SMembers(ctx, infra.RedisKeyBlacklist).Result()
	if err != nil {
		return fmt.Errorf("failed to fetch blacklist from Redis: %w", err)
	}
	for _, s := range m.seed {
		if !slices.Contains(entries, s) {
			entries = append(entries, s)
		}
	}
	if err := m.local.SetBlacklist(entries); err != nil {
		return err
	}
	m.logger.Info("blacklist synced", zap.Int("entries", len(entries)))
	return nil
}

// Block добавляет адрес/CIDR во все инстансы
func (m *BlocklistManager) Block(ctx context.Context, entry string) error {
	// 1. Сначала локально: заодно валидирует формат
	if err := m.local.BlockIP(entry); err != nil {
		return err
	}
	// 2. Источник правды и сигнал остальным
	pipe := m.rdb.TxPipeline()
	pipe.SAdd(ctx, infra.RedisKeyBlacklist, entry)
	pipe.Publish(ctx, infra.RedisChanBlacklist, entry+":on")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("blocklist: redis write failed: %w", err)
	}
	m.logger.Info("ip blocked", zap.String("ip", entry))
	return nil
}

// Unblock убирает адрес/CIDR во всех инстансах
func (m *BlocklistManager) Unblock(ctx context.Context, entry string) error {
	m.local.UnblockIP(entry)
	pipe := m.rdb.TxPipeline()
	pipe.SRem(ctx, infra.RedisKeyBlacklist, entry)
	pipe.Publish(ctx, infra.RedisChanBlacklist, entry+":off")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("blocklist: redis write failed: %w", err)
	}
	m.logger.Info("ip unblocked", zap.String("ip", entry))
	return nil
}

// StartListener применяет сигналы других инстансов. Блокирует до отмены ctx.
func (m *BlocklistManager) StartListener(ctx context.Context) {
	ListenResilient(ctx, m.rdb, m.logger, infra.RedisChanBlacklist, m.sync, m.apply)
}

func (m *BlocklistManager) apply(payload string) {
	entry, on, ok := ParseToggle(payload)
	if !ok {
		m.logger.Error("invalid signal format", zap.String("payload", payload))
		return
	}
	if on {
		if err := m.local.BlockIP(entry); err != nil {
			m.logger.Error("bad blocklist entry in signal", zap.String("ip", entry), zap.Error(err))
		}
		return
	}
	m.local.UnblockIP(entry)
}
