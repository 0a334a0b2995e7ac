package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/apperr"
	"github.com/lalithlochan/formsync/internal/db"
)

// MetaFields is the form_meta key holding a form's field list.
const MetaFields = "fields"

// Repository reads and writes the configuration tables.
type Repository interface {
	ListSettings(ctx context.Context, integrationID string) ([]db.IntegrationSetting, error)
	UpsertSetting(ctx context.Context, s *db.IntegrationSetting) error
	ListFieldMappings(ctx context.Context, formID int64, integrationID string) ([]db.FieldMapping, error)
	UpsertFieldMapping(ctx context.Context, m *db.FieldMapping) error
	GetFormMeta(ctx context.Context, formID int64, key string) (string, bool, error)
	SetFormMeta(ctx context.Context, formID int64, key, value string) error
}

// PostgresRepository implements Repository with pgx
type PostgresRepository struct {
	db     *db.DB
	logger *zap.Logger
}

func NewPostgresRepository(database *db.DB, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{db: database, logger: logger}
}

func (r *PostgresRepository) ListSettings(ctx context.Context, integrationID string) ([]db.IntegrationSetting, error) {
	query := `
		SELECT id, integration_id, setting_key, setting_value, setting_type, is_encrypted, created_at, updated_at
		FROM integration_settings
		WHERE integration_id = $1
		ORDER BY setting_key
	`

	rows, err := r.db.Pool().Query(ctx, query, integrationID)
	if err != nil {
		if db.IsUndefinedTable(err) {
			r.logger.Warn("integration_settings not provisioned")
			return nil, nil
		}
		return nil, apperr.Store("list settings", fmt.Errorf("query settings: %w", err))
	}
	defer rows.Close()

	var out []db.IntegrationSetting
	for rows.Next() {
		var s db.IntegrationSetting
		if err := rows.Scan(&s.ID, &s.IntegrationID, &s.Key, &s.Value, &s.Type, &s.Encrypted, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, apperr.Store("list settings", fmt.Errorf("scan setting: %w", err))
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("list settings", fmt.Errorf("iterate rows: %w", err))
	}
	return out, nil
}

func (r *PostgresRepository) UpsertSetting(ctx context.Context, s *db.IntegrationSetting) error {
	query := `
		INSERT INTO integration_settings (integration_id, setting_key, setting_value, setting_type, is_encrypted)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (integration_id, setting_key) DO UPDATE
		SET setting_value = EXCLUDED.setting_value,
			setting_type = EXCLUDED.setting_type,
			is_encrypted = EXCLUDED.is_encrypted,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query, s.IntegrationID, s.Key, s.Value, s.Type, s.Encrypted).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return apperr.Store("upsert setting", fmt.Errorf("upsert setting %s: %w", s.Key, err))
	}
	return nil
}

func (r *PostgresRepository) ListFieldMappings(ctx context.Context, formID int64, integrationID string) ([]db.FieldMapping, error) {
	query := `
		SELECT id, form_id, integration_id, form_field, integration_field, field_type,
			is_required, mapping_order, created_at, updated_at
		FROM field_mappings
		WHERE form_id = $1 AND integration_id = $2
		ORDER BY mapping_order, id
	`

	rows, err := r.db.Pool().Query(ctx, query, formID, integrationID)
	if err != nil {
		if db.IsUndefinedTable(err) {
			return nil, nil
		}
		return nil, apperr.Store("list field mappings", fmt.Errorf("query field mappings: %w", err))
	}
	defer rows.Close()

	var out []db.FieldMapping
	for rows.Next() {
		var m db.FieldMapping
		err := rows.Scan(&m.ID, &m.FormID, &m.IntegrationID, &m.FormField, &m.IntegrationField,
			&m.FieldType, &m.Required, &m.Order, &m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return nil, apperr.Store("list field mappings", fmt.Errorf("scan field mapping: %w", err))
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("list field mappings", fmt.Errorf("iterate rows: %w", err))
	}
	return out, nil
}

func (r *PostgresRepository) UpsertFieldMapping(ctx context.Context, m *db.FieldMapping) error {
	query := `
		INSERT INTO field_mappings (form_id, integration_id, form_field, integration_field, field_type, is_required, mapping_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (form_id, integration_id, form_field) DO UPDATE
		SET integration_field = EXCLUDED.integration_field,
			field_type = EXCLUDED.field_type,
			is_required = EXCLUDED.is_required,
			mapping_order = EXCLUDED.mapping_order,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query, m.FormID, m.IntegrationID, m.FormField, m.IntegrationField,
		m.FieldType, m.Required, m.Order).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return apperr.Store("upsert field mapping", fmt.Errorf("upsert field mapping: %w", err))
	}
	return nil
}

func (r *PostgresRepository) GetFormMeta(ctx context.Context, formID int64, key string) (string, bool, error) {
	var value string
	err := r.db.Pool().QueryRow(ctx,
		`SELECT meta_value FROM form_meta WHERE form_id = $1 AND meta_key = $2`, formID, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) || db.IsUndefinedTable(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Store("get form meta", fmt.Errorf("query form meta: %w", err))
	}
	return value, true, nil
}

func (r *PostgresRepository) SetFormMeta(ctx context.Context, formID int64, key, value string) error {
	query := `
		INSERT INTO form_meta (form_id, meta_key, meta_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (form_id, meta_key) DO UPDATE
		SET meta_value = EXCLUDED.meta_value, updated_at = NOW()
	`
	if _, err := r.db.Pool().Exec(ctx, query, formID, key, value); err != nil {
		return apperr.Store("set form meta", fmt.Errorf("upsert form meta: %w", err))
	}
	return nil
}
