// Package delivery turns a claimed queue item into a call against the
// integration's audience API.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/apiclient"
	"github.com/lalithlochan/formsync/internal/apperr"
	"github.com/lalithlochan/formsync/internal/db"
	"github.com/lalithlochan/formsync/internal/metrics"
	"github.com/lalithlochan/formsync/internal/settings"
)

// Deliverer pushes one item to an integration and returns the id the
// remote side assigned, if any.
type Deliverer interface {
	Deliver(ctx context.Context, integrationID string, item *db.QueueItem, timeout time.Duration) (string, error)
}

// SettingsSource is the part of settings.Service the deliverer reads.
type SettingsSource interface {
	Get(ctx context.Context, integrationID string) (*settings.Settings, error)
	FieldMappings(ctx context.Context, formID int64, integrationID string) ([]db.FieldMapping, error)
}

// Member statuses sent to the audience API.
const (
	MemberSubscribed = "subscribed"
	MemberPending    = "pending"
)

// AudienceDeliverer posts subscribers to {base_url}/lists/{list_id}/members.
type AudienceDeliverer struct {
	sender   apiclient.Sender
	settings SettingsSource
	logger   *zap.Logger
}

func NewAudienceDeliverer(sender apiclient.Sender, src SettingsSource, logger *zap.Logger) *AudienceDeliverer {
	return &AudienceDeliverer{
		sender:   sender,
		settings: src,
		logger:   logger,
	}
}

func (d *AudienceDeliverer) Deliver(ctx context.Context, integrationID string, item *db.QueueItem, timeout time.Duration) (string, error) {
	cfg, err := d.settings.Get(ctx, integrationID)
	if err != nil {
		return "", apperr.Transient("load settings", 0, err)
	}
	if !cfg.Bool(settings.KeyEnabled, true) {
		return "", apperr.Fatal("deliver", "integration "+integrationID+" is disabled", 0, nil)
	}

	baseURL := strings.TrimRight(cfg.String(settings.KeyBaseURL, ""), "/")
	if baseURL == "" {
		return "", apperr.Fatal("deliver", "integration "+integrationID+" has no base_url", 0, nil)
	}
	apiKey, err := cfg.Secret(settings.KeyAPIKey)
	if err != nil {
		return "", apperr.Fatal("deliver", "integration "+integrationID+" has no usable api_key", 0, err)
	}

	mappings, err := d.settings.FieldMappings(ctx, item.FormID, integrationID)
	if err != nil {
		return "", apperr.Transient("load field mappings", 0, err)
	}

	member, err := BuildMember(item.Payload, mappings, cfg.Bool(settings.KeyDoubleOptIn, false))
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(member)
	if err != nil {
		return "", apperr.Validation("deliver", "subscriber payload not encodable")
	}

	endpoint := baseURL + "/lists/" + url.PathEscape(item.ListID) + "/members"

	start := time.Now()
	resp, err := d.sender.Send(ctx, http.MethodPost, endpoint, apiclient.Options{
		Body:     body,
		Username: "formsync",
		Password: apiKey,
		Timeout:  timeout,
	})
	metrics.RecordDeliveryLatency(integrationID, time.Since(start))
	if err != nil {
		return "", err
	}

	remoteID := remoteIDOf(resp.Body)
	d.logger.Info("subscriber delivered",
		zap.String("integration_id", integrationID),
		zap.Int64("queue_item_id", item.ID),
		zap.String("list_id", item.ListID),
		zap.Int("status_code", resp.StatusCode),
		zap.String("remote_id", remoteID),
	)
	return remoteID, nil
}

// BuildMember applies field mappings to a submission payload. Without
// mappings the payload is sent unchanged. A mapped field marked
// required but absent from the payload is a validation error.
func BuildMember(payload json.RawMessage, mappings []db.FieldMapping, doubleOptIn bool) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, apperr.Validation("build member", "payload must be a JSON object")
	}

	member := fields
	if len(mappings) > 0 {
		member = make(map[string]any, len(mappings)+1)
		for _, m := range mappings {
			v, ok := fields[m.FormField]
			if !ok || isBlank(v) {
				if m.Required {
					return nil, apperr.Validation("build member", fmt.Sprintf("required field %s is missing", m.FormField))
				}
				continue
			}
			member[m.IntegrationField] = v
		}
	}

	if _, ok := member["status"]; !ok {
		member["status"] = MemberSubscribed
		if doubleOptIn {
			member["status"] = MemberPending
		}
	}
	return member, nil
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func remoteIDOf(body []byte) string {
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return ""
	}
	return out.ID
}
