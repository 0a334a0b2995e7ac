// Package settings serves per-integration configuration, field
// mappings and form metadata, shielded by the cache.
package settings

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/lalithlochan/formsync/internal/db"
)

// Well-known setting keys.
const (
	KeyAPIKey             = "api_key"
	KeyBaseURL            = "base_url"
	KeyTimeoutSeconds     = "timeout_seconds"
	KeyRateLimitPerMinute = "rate_limit_per_minute"
	KeyDoubleOptIn        = "double_opt_in"
	KeyEnabled            = "enabled"
)

const masked = "****"

// Value is one stored setting. Encrypted values hold ciphertext.
type Value struct {
	Raw       string `json:"value"`
	Type      string `json:"type"`
	Encrypted bool   `json:"encrypted"`
}

// Settings is the full setting set of one integration.
type Settings struct {
	IntegrationID string           `json:"integration_id"`
	Values        map[string]Value `json:"values"`

	cipher *Cipher
}

func fromRows(integrationID string, rows []db.IntegrationSetting) *Settings {
	s := &Settings{IntegrationID: integrationID, Values: make(map[string]Value, len(rows))}
	for _, r := range rows {
		s.Values[r.Key] = Value{Raw: r.Value, Type: r.Type, Encrypted: r.Encrypted}
	}
	return s
}

// Has reports whether key is set.
func (s *Settings) Has(key string) bool {
	_, ok := s.Values[key]
	return ok
}

// String returns a plaintext value. Encrypted values are never
// returned here; use Secret.
func (s *Settings) String(key, def string) string {
	v, ok := s.Values[key]
	if !ok || v.Encrypted {
		return def
	}
	return v.Raw
}

func (s *Settings) Int(key string, def int) int {
	v, ok := s.Values[key]
	if !ok || v.Encrypted {
		return def
	}
	n, err := strconv.Atoi(v.Raw)
	if err != nil {
		return def
	}
	return n
}

func (s *Settings) Bool(key string, def bool) bool {
	v, ok := s.Values[key]
	if !ok || v.Encrypted {
		return def
	}
	b, err := strconv.ParseBool(v.Raw)
	if err != nil {
		return def
	}
	return b
}

// Duration reads a Go duration string, or whole seconds for int values.
func (s *Settings) Duration(key string, def time.Duration) time.Duration {
	v, ok := s.Values[key]
	if !ok || v.Encrypted {
		return def
	}
	if v.Type == db.SettingInt {
		n, err := strconv.Atoi(v.Raw)
		if err != nil || n <= 0 {
			return def
		}
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v.Raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// JSON decodes a json-typed value into out.
func (s *Settings) JSON(key string, out any) error {
	v, ok := s.Values[key]
	if !ok {
		return fmt.Errorf("setting %s not found", key)
	}
	if v.Encrypted {
		plain, err := s.cipher.Decrypt(v.Raw)
		if err != nil {
			return fmt.Errorf("decrypt setting %s: %w", key, err)
		}
		return json.Unmarshal([]byte(plain), out)
	}
	return json.Unmarshal([]byte(v.Raw), out)
}

// Secret returns the plaintext of a setting, decrypting when needed.
func (s *Settings) Secret(key string) (string, error) {
	v, ok := s.Values[key]
	if !ok {
		return "", fmt.Errorf("setting %s not found", key)
	}
	if !v.Encrypted {
		return v.Raw, nil
	}
	plain, err := s.cipher.Decrypt(v.Raw)
	if err != nil {
		return "", fmt.Errorf("decrypt setting %s: %w", key, err)
	}
	return plain, nil
}

// MarshalLogObject logs every key with encrypted values masked.
func (s *Settings) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("integration_id", s.IntegrationID)

	keys := make([]string, 0, len(s.Values))
	for k := range s.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return enc.AddObject("values", zapcore.ObjectMarshalerFunc(func(inner zapcore.ObjectEncoder) error {
		for _, k := range keys {
			v := s.Values[k]
			if v.Encrypted {
				inner.AddString(k, masked)
				continue
			}
			inner.AddString(k, v.Raw)
		}
		return nil
	}))
}
