package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
)

var eventColumns = []string{
	"id", "event_type", "threat_level", "source_ip", "subject_id",
	"description", "rule", "action", "timestamp",
}

type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// WriteBatch реализует audit.Storage: пачка уходит одним COPY
func (r *EventRepo) WriteBatch(ctx context.Context, events []domain.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(events))
	for _, e := range events {
		id, err := uuid.Parse(e.ID)
		if err != nil {
			id = uuid.New()
		}
		rows = append(rows, []any{
			id, e.EventType, string(e.ThreatLevel), e.SourceIP, e.SubjectID,
			e.Description, e.Rule, string(e.Action), e.Timestamp,
		})
	}

	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{"security_events"}, eventColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("postgres: failed to copy security events: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("postgres: copied %d of %d security events", n, len(rows))
	}
	return nil
}

// Recent — события из журнала, новые первыми (для истории глубже кольцевого буфера)
func (r *EventRepo) Recent(ctx context.Context, since time.Time, limit int) ([]domain.SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, event_type, threat_level, source_ip, subject_id, description, rule, action, timestamp
		FROM security_events
		WHERE timestamp >= $1
		ORDER BY timestamp DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query security events: %w", err)
	}
	defer rows.Close()

	var out []domain.SecurityEvent
	for rows.Next() {
		var (
			e             domain.SecurityEvent
			id            uuid.UUID
			level, action string
		)
		if err := rows.Scan(&id, &e.EventType, &level, &e.SourceIP, &e.SubjectID, &e.Description, &e.Rule, &action, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan security event: %w", err)
		}
		e.ID = id.String()
		e.ThreatLevel = domain.ThreatLevel(level)
		e.Action = domain.Action(action)
		out = append(out, e)
	}
	return out, rows.Err()
}
