package postgres

import (
	"context"
	"errors"

	"lealta/venue-service/internal/store"

	"github.com/jackc/pgx/v5"
)

// ListOutboxEvents skips rows written by transactions at or above the
// snapshot xmin: one of those may still be running with a smaller seq.
func (s *Store) ListOutboxEvents(ctx context.Context, after store.OutboxPosition, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seq, xact_id, event_id, tenant_id, type, payload_json, created_at
		FROM outbox_events
		WHERE (xact_id, seq) > ($1::bigint, $2::bigint)
		  AND xact_id < pg_snapshot_xmin(pg_current_snapshot())::text::bigint
		ORDER BY xact_id ASC, seq ASC
		LIMIT $3
	`, after.XactID, after.Seq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.Seq, &event.XactID, &event.EventID, &event.TenantID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetOffset(ctx context.Context, name string) (store.OutboxPosition, error) {
	var pos store.OutboxPosition
	row := s.pool.QueryRow(ctx, `SELECT last_xact_id, last_seq FROM outbox_offsets WHERE name = $1`, name)
	if err := row.Scan(&pos.XactID, &pos.Seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.OutboxPosition{}, nil
		}
		return store.OutboxPosition{}, err
	}
	return pos, nil
}

// UpdateOffset never moves a relay backwards.
func (s *Store) UpdateOffset(ctx context.Context, name string, pos store.OutboxPosition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbox_offsets (name, last_xact_id, last_seq, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (name) DO UPDATE
		SET last_xact_id = EXCLUDED.last_xact_id, last_seq = EXCLUDED.last_seq, updated_at = now()
		WHERE (outbox_offsets.last_xact_id, outbox_offsets.last_seq) < (EXCLUDED.last_xact_id, EXCLUDED.last_seq)
	`, name, pos.XactID, pos.Seq)
	return err
}
