// internal/repository/provider_event_repo.go
package repository

import (
	"context"
	"fmt"

	"donation-service/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

type providerEventRepo struct {
	db *pgxpool.Pool
}

func NewProviderEventRepository(db *pgxpool.Pool) ProviderEventRepository {
	return &providerEventRepo{db: db}
}

func (r *providerEventRepo) Create(ctx context.Context, event *domain.ProviderEvent) error {
	query := `
		INSERT INTO provider_events (
			provider_reference, rail, event_type, result_code, payload
		) VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		RETURNING id, created_at
	`

	payloadJSON, err := marshalMetadata(event.Payload)
	if err != nil {
		return err
	}

	err = r.db.QueryRow(ctx, query,
		event.Reference,
		string(event.Rail),
		string(event.EventType),
		event.ResultCode,
		payloadJSON,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert provider event: %w", err)
	}
	return nil
}

func (r *providerEventRepo) ListByReference(ctx context.Context, reference string) ([]*domain.ProviderEvent, error) {
	query := `
		SELECT id, provider_reference, rail, event_type, COALESCE(result_code, ''), payload, created_at
		FROM provider_events
		WHERE provider_reference = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, reference)
	if err != nil {
		return nil, fmt.Errorf("list provider events: %w", err)
	}
	defer rows.Close()

	var out []*domain.ProviderEvent
	for rows.Next() {
		var (
			ev        domain.ProviderEvent
			rail      string
			eventType string
		)
		if err := rows.Scan(&ev.ID, &ev.Reference, &rail, &eventType, &ev.ResultCode, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan provider event: %w", err)
		}
		ev.Rail = domain.Rail(rail)
		ev.EventType = domain.ProviderEventType(eventType)
		out = append(out, &ev)
	}
	return out, rows.Err()
}
