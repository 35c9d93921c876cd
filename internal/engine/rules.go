package engine

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"github.com/xela07ax/spaceai-controlplane/internal/infra"
	"go.uber.org/zap"
)

// RuleStore — долговременное хранилище правил доступа (Postgres)
type RuleStore interface {
	ListRules(ctx context.Context) ([]domain.AccessRule, error)
	UpsertRule(ctx context.Context, r domain.AccessRule) error
	DeleteRule(ctx context.Context, name string) (bool, error)
}

// RuleSet — правила в памяти движка
type RuleSet interface {
	ReplaceRules(rules []domain.AccessRule) error
}

// RuleSync: изменения пишутся в БД, все инстансы перечитывают набор по сигналу Redis.
// Static — правила из конфига; они всегда добавляются к правилам из БД.
type RuleSync struct {
	store  RuleStore
	rules  RuleSet
	rdb    *redis.Client // nil — без межинстансной синхронизации
	static []domain.AccessRule
	logger *zap.Logger
}

func NewRuleSync(store RuleStore, rules RuleSet, rdb *redis.Client, static []domain.AccessRule, logger *zap.Logger) *RuleSync {
	return &RuleSync{
		store:  store,
		rules:  rules,
		rdb:    rdb,
		static: static,
		logger: logger.With(zap.String("mod", "rules")),
	}
}

// Reload — холодная загрузка набора из БД. Одноименное правило из БД перекрывает конфиг.
func (s *RuleSync) Reload(ctx context.Context) error {
	stored, err := s.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch access rules from DB: %w", err)
	}

	merged := make([]domain.AccessRule, 0, len(s.static)+len(stored))
	seen := make(map[string]struct{}, len(stored))
	for _, r := range stored {
		seen[r.Name] = struct{}{}
	}
	for _, r := range s.static {
		if _, ok := seen[r.Name]; !ok {
			merged = append(merged, r)
		}
	}
	merged = append(merged, stored...)

	if err := s.rules.ReplaceRules(merged); err != nil {
		return err
	}
	s.logger.Info("access rules reloaded", zap.Int("static", len(s.static)), zap.Int("stored", len(stored)))
	return nil
}

// Save пишет правило в БД, перечитывает набор и оповещает остальных
func (s *RuleSync) Save(ctx context.Context, r domain.AccessRule) error {
	if err := s.store.UpsertRule(ctx, r); err != nil {
		return err
	}
	return s.changed(ctx)
}

// Delete — false, если правила в БД не было
func (s *RuleSync) Delete(ctx context.Context, name string) (bool, error) {
	found, err := s.store.DeleteRule(ctx, name)
	if err != nil || !found {
		return found, err
	}
	return true, s.changed(ctx)
}

func (s *RuleSync) changed(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return err
	}
	if s.rdb == nil {
		return nil
	}
	if err := s.rdb.Publish(ctx, infra.RedisChanRulesUpdate, "reload").Err(); err != nil {
		s.logger.Warn("rules update signal failed", zap.Error(err))
	}
	return nil
}

// StartListener перечитывает правила по сигналу. Блокирует до отмены ctx.
func (s *RuleSync) StartListener(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	ListenResilient(ctx, s.rdb, s.logger, infra.RedisChanRulesUpdate, s.Reload, func(string) {
		if err := s.Reload(ctx); err != nil {
			s.logger.Error("rules reload failed", zap.Error(err))
		}
	})
}
