package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/db"
)

// Configurator writes integration settings and form configuration.
// settings.Service implements it.
type Configurator interface {
	Set(ctx context.Context, integrationID, key, value, typ string, encrypt bool) error
	SaveFieldMapping(ctx context.Context, m *db.FieldMapping) error
	FormFields(ctx context.Context, formID int64) ([]string, bool, error)
	SetFormFields(ctx context.Context, formID int64, fields []string) error
	InvalidateForm(ctx context.Context, formID int64)
}

// SettingRequest is the body of PUT /v1/integrations/{integrationID}/settings/{key}.
type SettingRequest struct {
	Value     string `json:"value"`
	Type      string `json:"type" validate:"omitempty,oneof=string int bool json duration"`
	Encrypted bool   `json:"encrypted"`
}

// FieldMappingRequest is the body of PUT /v1/forms/{id}/mappings.
type FieldMappingRequest struct {
	IntegrationID    string `json:"integration_id" validate:"required"`
	FormField        string `json:"form_field" validate:"required"`
	IntegrationField string `json:"integration_field" validate:"required"`
	FieldType        string `json:"field_type"`
	Required         bool   `json:"is_required"`
	Order            int    `json:"mapping_order" validate:"gte=0"`
}

// FormFieldsRequest is the body of PUT /v1/forms/{id}/fields.
type FormFieldsRequest struct {
	Fields []string `json:"fields" validate:"required,min=1,dive,required"`
}

// PutSetting handles PUT /v1/integrations/{integrationID}/settings/{key}
func (h *Handler) PutSetting(w http.ResponseWriter, r *http.Request) {
	if !h.configurable(w) {
		return
	}
	integrationID := chi.URLParam(r, "integrationID")
	key := chi.URLParam(r, "key")

	var req SettingRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.deps.Config.Set(r.Context(), integrationID, key, req.Value, req.Type, req.Encrypted); err != nil {
		h.writeErr(w, "put setting", err)
		return
	}

	typ := req.Type
	if typ == "" {
		typ = db.SettingString
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"integration_id": integrationID,
		"key":            key,
		"type":           typ,
		"encrypted":      req.Encrypted,
	})
}

// PutFieldMapping handles PUT /v1/forms/{id}/mappings
func (h *Handler) PutFieldMapping(w http.ResponseWriter, r *http.Request) {
	if !h.configurable(w) {
		return
	}
	formID, ok := h.formID(w, r)
	if !ok {
		return
	}

	var req FieldMappingRequest
	if !h.decode(w, r, &req) {
		return
	}

	m := &db.FieldMapping{
		FormID:           formID,
		IntegrationID:    req.IntegrationID,
		FormField:        req.FormField,
		IntegrationField: req.IntegrationField,
		FieldType:        req.FieldType,
		Required:         req.Required,
		Order:            req.Order,
	}
	if err := h.deps.Config.SaveFieldMapping(r.Context(), m); err != nil {
		h.writeErr(w, "put field mapping", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetFormFields handles GET /v1/forms/{id}/fields
func (h *Handler) GetFormFields(w http.ResponseWriter, r *http.Request) {
	if !h.configurable(w) {
		return
	}
	formID, ok := h.formID(w, r)
	if !ok {
		return
	}

	fields, found, err := h.deps.Config.FormFields(r.Context(), formID)
	if err != nil {
		h.writeErr(w, "get form fields", err)
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "not_found", "Form not registered", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"form_id": formID, "fields": fields})
}

// PutFormFields handles PUT /v1/forms/{id}/fields and registers the form.
func (h *Handler) PutFormFields(w http.ResponseWriter, r *http.Request) {
	if !h.configurable(w) {
		return
	}
	formID, ok := h.formID(w, r)
	if !ok {
		return
	}

	var req FormFieldsRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.deps.Config.SetFormFields(r.Context(), formID, req.Fields); err != nil {
		h.writeErr(w, "put form fields", err)
		return
	}
	h.logger.Info("form fields updated", zap.Int64("form_id", formID), zap.Int("fields", len(req.Fields)))
	writeJSON(w, http.StatusOK, map[string]interface{}{"form_id": formID, "fields": req.Fields})
}

// InvalidateForm handles DELETE /v1/forms/{id}/cache
func (h *Handler) InvalidateForm(w http.ResponseWriter, r *http.Request) {
	if !h.configurable(w) {
		return
	}
	formID, ok := h.formID(w, r)
	if !ok {
		return
	}
	h.deps.Config.InvalidateForm(r.Context(), formID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) configurable(w http.ResponseWriter) bool {
	if h.deps.Config == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Configuration store disabled", "")
		return false
	}
	return true
}

func (h *Handler) formID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid form ID", "ID must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request", err.Error())
		return false
	}
	return true
}
