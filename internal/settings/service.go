package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/apperr"
	"github.com/lalithlochan/formsync/internal/cache"
	"github.com/lalithlochan/formsync/internal/db"
)

// Service reads configuration through the cache and invalidates the
// cached copies whenever it writes.
type Service struct {
	repo   Repository
	cache  *cache.Cache
	cipher *Cipher
	logger *zap.Logger
}

func NewService(repo Repository, c *cache.Cache, cipher *Cipher, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		cache:  c,
		cipher: cipher,
		logger: logger,
	}
}

// Get returns the settings of an integration. Cached copies hold
// ciphertext only.
func (s *Service) Get(ctx context.Context, integrationID string) (*Settings, error) {
	out, err := cache.GetOrComputeJSON(ctx, s.cache, cache.SettingsKey(integrationID), cache.SettingsTTL,
		func(ctx context.Context) (*Settings, error) {
			rows, err := s.repo.ListSettings(ctx, integrationID)
			if err != nil {
				return nil, err
			}
			return fromRows(integrationID, rows), nil
		})
	if err != nil {
		return nil, err
	}
	if out.Values == nil {
		out.Values = map[string]Value{}
	}
	out.cipher = s.cipher
	return out, nil
}

// Set stores a setting, encrypting it first when requested.
func (s *Service) Set(ctx context.Context, integrationID, key, value, typ string, encrypt bool) error {
	if strings.TrimSpace(integrationID) == "" || strings.TrimSpace(key) == "" {
		return apperr.Validation("set setting", "integration_id and key are required")
	}
	if typ == "" {
		typ = db.SettingString
	}

	stored := value
	if encrypt {
		var err error
		if stored, err = s.cipher.Encrypt(value); err != nil {
			return fmt.Errorf("encrypt setting %s: %w", key, err)
		}
	}

	err := s.repo.UpsertSetting(ctx, &db.IntegrationSetting{
		IntegrationID: integrationID,
		Key:           key,
		Value:         stored,
		Type:          typ,
		Encrypted:     encrypt,
	})
	if err != nil {
		return err
	}

	s.cache.Delete(ctx, cache.SettingsKey(integrationID))
	s.logger.Info("integration setting updated",
		zap.String("integration_id", integrationID),
		zap.String("key", key),
		zap.Bool("encrypted", encrypt),
	)
	return nil
}

// FieldMappings returns the mappings of a form for one integration.
func (s *Service) FieldMappings(ctx context.Context, formID int64, integrationID string) ([]db.FieldMapping, error) {
	return cache.GetOrComputeJSON(ctx, s.cache, cache.FieldMappingsKey(formID, integrationID), cache.FieldMappingsTTL,
		func(ctx context.Context) ([]db.FieldMapping, error) {
			return s.repo.ListFieldMappings(ctx, formID, integrationID)
		})
}

// SaveFieldMapping stores a mapping and drops cached mappings of the form.
func (s *Service) SaveFieldMapping(ctx context.Context, m *db.FieldMapping) error {
	if m.FormField == "" || m.IntegrationField == "" || m.IntegrationID == "" {
		return apperr.Validation("save field mapping", "form_field, integration_field and integration_id are required")
	}
	if err := s.repo.UpsertFieldMapping(ctx, m); err != nil {
		return err
	}
	s.cache.DeleteByPrefix(ctx, cache.FormMappingsPrefix(m.FormID))
	return nil
}

// FormFields returns the field names of a form. An unknown form
// reports found=false and is negative-cached.
func (s *Service) FormFields(ctx context.Context, formID int64) ([]string, bool, error) {
	return cache.GetOrLoad(ctx, s.cache, cache.FormFieldsKey(formID), cache.FormFieldsTTL, cache.NegativeTTL,
		func(ctx context.Context) ([]string, bool, error) {
			raw, found, err := s.repo.GetFormMeta(ctx, formID, MetaFields)
			if err != nil || !found {
				return nil, false, err
			}
			var fields []string
			if err := json.Unmarshal([]byte(raw), &fields); err != nil {
				return nil, false, fmt.Errorf("decode fields of form %d: %w", formID, err)
			}
			return fields, true, nil
		})
}

// SetFormFields stores the field list of a form.
func (s *Service) SetFormFields(ctx context.Context, formID int64, fields []string) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	if err := s.repo.SetFormMeta(ctx, formID, MetaFields, string(raw)); err != nil {
		return err
	}
	s.InvalidateForm(ctx, formID)
	return nil
}

// InvalidateForm drops every cached projection of a form.
func (s *Service) InvalidateForm(ctx context.Context, formID int64) {
	s.cache.Delete(ctx, cache.FormFieldsKey(formID))
	s.cache.DeleteByPrefix(ctx, cache.FormMappingsPrefix(formID))
}
