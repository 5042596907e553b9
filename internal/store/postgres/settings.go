package postgres

import (
	"context"
	"errors"
	"time"

	"lealta/venue-service/internal/models"

	"github.com/jackc/pgx/v5"
)

func (s *Store) GetBusinessDaySettings(ctx context.Context, tenantID string) (models.BusinessDaySettings, bool, error) {
	var settings models.BusinessDaySettings
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, cutover_hour, cutover_minute, timezone, updated_at
		FROM business_day_settings
		WHERE tenant_id = $1
	`, tenantID)
	if err := row.Scan(&settings.TenantID, &settings.CutoverHour, &settings.CutoverMinute, &settings.Timezone, &settings.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.BusinessDaySettings{}, false, nil
		}
		return models.BusinessDaySettings{}, false, err
	}
	return settings, true, nil
}

func (s *Store) ListBusinessDaySettings(ctx context.Context) ([]models.BusinessDaySettings, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, cutover_hour, cutover_minute, timezone, updated_at
		FROM business_day_settings
		ORDER BY tenant_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.BusinessDaySettings
	for rows.Next() {
		var settings models.BusinessDaySettings
		if err := rows.Scan(&settings.TenantID, &settings.CutoverHour, &settings.CutoverMinute, &settings.Timezone, &settings.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, settings)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Store) PutBusinessDaySettings(ctx context.Context, settings models.BusinessDaySettings) error {
	updatedAt := settings.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO business_day_settings (tenant_id, cutover_hour, cutover_minute, timezone, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE
		SET cutover_hour = EXCLUDED.cutover_hour,
			cutover_minute = EXCLUDED.cutover_minute,
			timezone = EXCLUDED.timezone,
			updated_at = EXCLUDED.updated_at
	`, settings.TenantID, settings.CutoverHour, settings.CutoverMinute, settings.Timezone, updatedAt)
	return err
}
