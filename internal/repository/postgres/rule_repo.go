package postgres

/*
Хранение правил доступа. Долговременная копия живет в PostgreSQL,
вычисление идет по копии в памяти движка (холодная загрузка + перечитывание по сигналу).
*/

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
)

type RuleRepo struct {
	pool *pgxpool.Pool
}

func NewRuleRepo(pool *pgxpool.Pool) *RuleRepo {
	return &RuleRepo{pool: pool}
}

// ListRules — весь набор, включая выключенные и истекшие (их отсеивает движок)
func (r *RuleRepo) ListRules(ctx context.Context) ([]domain.AccessRule, error) {
	query := `
		SELECT name, priority, conditions, action, enabled, expires_at
		FROM access_rules
		ORDER BY priority, name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list rules: %w", err)
	}
	defer rows.Close()

	var results []domain.AccessRule
	for rows.Next() {
		var (
			rule   domain.AccessRule
			conds  []byte
			action string
		)
		if err := rows.Scan(&rule.Name, &rule.Priority, &conds, &action, &rule.Enabled, &rule.ExpiresAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan rule: %w", err)
		}
		if err := json.Unmarshal(conds, &rule.Conditions); err != nil {
			return nil, fmt.Errorf("postgres: rule %s has bad conditions: %w", rule.Name, err)
		}
		rule.Action = domain.Action(action)
		results = append(results, rule)
	}
	return results, rows.Err()
}

// UpsertRule создает правило или заменяет одноименное
func (r *RuleRepo) UpsertRule(ctx context.Context, rule domain.AccessRule) error {
	conds, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode conditions: %w", err)
	}

	query := `
		INSERT INTO access_rules (name, priority, conditions, action, enabled, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (name) DO UPDATE SET
			priority = EXCLUDED.priority,
			conditions = EXCLUDED.conditions,
			action = EXCLUDED.action,
			enabled = EXCLUDED.enabled,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()`

	_, err = r.pool.Exec(ctx, query, rule.Name, rule.Priority, conds, string(rule.Action), rule.Enabled, rule.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert rule: %w", err)
	}
	return nil
}

// DeleteRule — false, если такого правила не было
func (r *RuleRepo) DeleteRule(ctx context.Context, name string) (bool, error) {
	ct, err := r.pool.Exec(ctx, `DELETE FROM access_rules WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to delete rule: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// PurgeExpired удаляет истекшие правила из БД (движок чистит свою копию сам)
func (r *RuleRepo) PurgeExpired(ctx context.Context) (int64, error) {
	ct, err := r.pool.Exec(ctx, `DELETE FROM access_rules WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to purge rules: %w", err)
	}
	return ct.RowsAffected(), nil
}
