package settings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lalithlochan/formsync/internal/cache"
	"github.com/lalithlochan/formsync/internal/db"
)

type fakeRepo struct {
	mu       sync.Mutex
	settings map[string][]db.IntegrationSetting
	mappings []db.FieldMapping
	meta     map[int64]map[string]string
	calls    map[string]int
	err      error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		settings: map[string][]db.IntegrationSetting{},
		meta:     map[int64]map[string]string{},
		calls:    map[string]int{},
	}
}

func (r *fakeRepo) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

func (r *fakeRepo) ListSettings(ctx context.Context, integrationID string) ([]db.IntegrationSetting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["ListSettings"]++
	if r.err != nil {
		return nil, r.err
	}
	return append([]db.IntegrationSetting(nil), r.settings[integrationID]...), nil
}

func (r *fakeRepo) UpsertSetting(ctx context.Context, s *db.IntegrationSetting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := r.settings[s.IntegrationID]
	for i := range rows {
		if rows[i].Key == s.Key {
			rows[i] = *s
			return nil
		}
	}
	r.settings[s.IntegrationID] = append(rows, *s)
	return nil
}

func (r *fakeRepo) ListFieldMappings(ctx context.Context, formID int64, integrationID string) ([]db.FieldMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["ListFieldMappings"]++
	var out []db.FieldMapping
	for _, m := range r.mappings {
		if m.FormID == formID && m.IntegrationID == integrationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *fakeRepo) UpsertFieldMapping(ctx context.Context, m *db.FieldMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings = append(r.mappings, *m)
	return nil
}

func (r *fakeRepo) GetFormMeta(ctx context.Context, formID int64, key string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["GetFormMeta"]++
	v, ok := r.meta[formID][key]
	return v, ok, nil
}

func (r *fakeRepo) SetFormMeta(ctx context.Context, formID int64, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.meta[formID] == nil {
		r.meta[formID] = map[string]string{}
	}
	r.meta[formID][key] = value
	return nil
}

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func newTestService(t *testing.T) (*Service, *fakeRepo, *cache.MemoryBackend) {
	t.Helper()
	repo := newFakeRepo()
	backend := cache.NewMemoryBackend()
	cipher, err := NewCipher(testKey())
	require.NoError(t, err)
	svc := NewService(repo, cache.New(backend, cache.DefaultGroup, zap.NewNop()), cipher, zap.NewNop())
	return svc, repo, backend
}

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)

	sealed, err := c.Encrypt("abc123-us6")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "abc123")

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "abc123-us6", plain)

	other, err := c.Encrypt("abc123-us6")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, other, "nonce must differ per encryption")
}

func TestCipher_RejectsBadInput(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	assert.Error(t, err)

	c, err := NewCipher(testKey())
	require.NoError(t, err)
	_, err = c.Decrypt("not base64!")
	assert.Error(t, err)
	_, err = c.Decrypt("AAAA")
	assert.Error(t, err)

	wrong := testKey()
	wrong[0] = 0xff
	c2, err := NewCipher(wrong)
	require.NoError(t, err)
	sealed, err := c.Encrypt("secret")
	require.NoError(t, err)
	_, err = c2.Decrypt(sealed)
	assert.Error(t, err)
}

func TestCipher_NoKey(t *testing.T) {
	c, err := NewCipher(nil)
	require.NoError(t, err)

	_, err = c.Encrypt("x")
	assert.ErrorIs(t, err, ErrNoKey)
	_, err = c.Decrypt("x")
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestSettings_Accessors(t *testing.T) {
	s := fromRows("mailchimp", []db.IntegrationSetting{
		{Key: KeyBaseURL, Value: "https://us6.api.example.com/3.0", Type: db.SettingString},
		{Key: KeyTimeoutSeconds, Value: "45", Type: db.SettingInt},
		{Key: KeyDoubleOptIn, Value: "true", Type: db.SettingBool},
		{Key: "poll", Value: "90s", Type: db.SettingDuration},
		{Key: "tags", Value: `["a","b"]`, Type: db.SettingJSON},
		{Key: "broken", Value: "abc", Type: db.SettingInt},
	})

	assert.True(t, s.Has(KeyBaseURL))
	assert.False(t, s.Has(KeyAPIKey))
	assert.Equal(t, "https://us6.api.example.com/3.0", s.String(KeyBaseURL, ""))
	assert.Equal(t, "fallback", s.String("missing", "fallback"))
	assert.Equal(t, 45, s.Int(KeyTimeoutSeconds, 30))
	assert.Equal(t, 7, s.Int("broken", 7))
	assert.True(t, s.Bool(KeyDoubleOptIn, false))
	assert.Equal(t, 45*time.Second, s.Duration(KeyTimeoutSeconds, time.Second))
	assert.Equal(t, 90*time.Second, s.Duration("poll", time.Second))
	assert.Equal(t, time.Second, s.Duration("broken", time.Second))

	var tags []string
	require.NoError(t, s.JSON("tags", &tags))
	assert.Equal(t, []string{"a", "b"}, tags)
	assert.Error(t, s.JSON("missing", &tags))
}

func TestService_SetEncryptedAndSecret(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "mailchimp", KeyAPIKey, "0123456789abcdef0123456789abcdef-us6", db.SettingString, true))

	stored := repo.settings["mailchimp"][0]
	assert.True(t, stored.Encrypted)
	assert.NotContains(t, stored.Value, "0123456789abcdef")

	s, err := svc.Get(ctx, "mailchimp")
	require.NoError(t, err)
	assert.Equal(t, "", s.String(KeyAPIKey, ""), "String never returns encrypted values")

	secret, err := s.Secret(KeyAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123456789abcdef-us6", secret)
}

func TestService_GetIsCachedAndInvalidatedOnSet(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "mailchimp", KeyBaseURL, "https://a.example.com", "", false))

	for i := 0; i < 3; i++ {
		s, err := svc.Get(ctx, "mailchimp")
		require.NoError(t, err)
		assert.Equal(t, "https://a.example.com", s.String(KeyBaseURL, ""))
	}
	assert.Equal(t, 1, repo.count("ListSettings"))

	require.NoError(t, svc.Set(ctx, "mailchimp", KeyBaseURL, "https://b.example.com", "", false))
	s, err := svc.Get(ctx, "mailchimp")
	require.NoError(t, err)
	assert.Equal(t, "https://b.example.com", s.String(KeyBaseURL, ""))
	assert.Equal(t, 2, repo.count("ListSettings"))
}

func TestService_CachedSecretStillDecrypts(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "mailchimp", KeyAPIKey, "k-us1", "", true))
	_, err := svc.Get(ctx, "mailchimp")
	require.NoError(t, err)

	cached, err := svc.Get(ctx, "mailchimp")
	require.NoError(t, err)
	secret, err := cached.Secret(KeyAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "k-us1", secret)
}

func TestService_SetValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.Error(t, svc.Set(context.Background(), "", KeyAPIKey, "x", "", false))
	assert.Error(t, svc.Set(context.Background(), "mailchimp", " ", "x", "", false))
}

func TestService_GetErrorIsNotCached(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	repo.err = errors.New("connection refused")
	_, err := svc.Get(ctx, "mailchimp")
	require.Error(t, err)

	repo.err = nil
	_, err = svc.Get(ctx, "mailchimp")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.count("ListSettings"))
}

func TestService_FormFieldsNegativeCache(t *testing.T) {
	svc, repo, backend := newTestService(t)
	ctx := context.Background()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	backend.SetClock(func() time.Time { return now })

	fields, found, err := svc.FormFields(ctx, 404)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, fields)

	_, found, err = svc.FormFields(ctx, 404)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, repo.count("GetFormMeta"), "second lookup within the negative TTL must not reach the store")

	now = now.Add(cache.NegativeTTL)
	_, _, err = svc.FormFields(ctx, 404)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.count("GetFormMeta"))
}

func TestService_SetFormFieldsClearsNegativeEntry(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, found, err := svc.FormFields(ctx, 9)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, svc.SetFormFields(ctx, 9, []string{"email", "first_name"}))

	fields, found, err := svc.FormFields(ctx, 9)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"email", "first_name"}, fields)
}

func TestService_FieldMappingsCachedAndInvalidated(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SaveFieldMapping(ctx, &db.FieldMapping{
		FormID: 3, IntegrationID: "mailchimp", FormField: "email", IntegrationField: "email_address", Required: true,
	}))

	for i := 0; i < 2; i++ {
		mappings, err := svc.FieldMappings(ctx, 3, "mailchimp")
		require.NoError(t, err)
		require.Len(t, mappings, 1)
	}
	assert.Equal(t, 1, repo.count("ListFieldMappings"))

	require.NoError(t, svc.SaveFieldMapping(ctx, &db.FieldMapping{
		FormID: 3, IntegrationID: "mailchimp", FormField: "fname", IntegrationField: "FNAME",
	}))
	mappings, err := svc.FieldMappings(ctx, 3, "mailchimp")
	require.NoError(t, err)
	assert.Len(t, mappings, 2)
	assert.Equal(t, 2, repo.count("ListFieldMappings"))

	assert.Error(t, svc.SaveFieldMapping(ctx, &db.FieldMapping{FormID: 3}))
}

func TestSettings_LogMasksEncryptedValues(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	s := fromRows("mailchimp", []db.IntegrationSetting{
		{Key: KeyAPIKey, Value: "c2VjcmV0", Encrypted: true},
		{Key: KeyBaseURL, Value: "https://api.example.com"},
	})
	logger.Info("settings loaded", zap.Object("settings", s))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	values := fields["settings"].(map[string]interface{})["values"].(map[string]interface{})
	assert.Equal(t, "****", values[KeyAPIKey])
	assert.Equal(t, "https://api.example.com", values[KeyBaseURL])
}
