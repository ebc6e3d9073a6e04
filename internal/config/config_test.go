package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		ClientID:              "client-1",
		ClientSecret:          "hunter2",
		RedirectURI:           "https://example.com/oauth/done",
		AuthorizationEndpoint: "https://provider.example.com/authorize",
		TokenEndpoint:         "https://provider.example.com/token",
		StateEndpoint:         "https://provider.example.com/state",
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultTokenLifetimeSeconds, cfg.DefaultTokenLifetime)
	assert.Equal(t, DefaultMaxLifetimeSeconds, cfg.MaxTokenLifetime)
	assert.Equal(t, DefaultSessionDuration, cfg.SessionDuration)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no client id", func(c *Config) { c.ClientID = "" }},
		{"no authorization endpoint", func(c *Config) { c.AuthorizationEndpoint = "" }},
		{"no state endpoint", func(c *Config) { c.StateEndpoint = "" }},
		{"relative token endpoint", func(c *Config) { c.TokenEndpoint = "/token" }},
		{"shortener without endpoint", func(c *Config) { c.Shortener = &ShortenerConfig{} }},
		{"negative lifetime", func(c *Config) { c.DefaultTokenLifetime = -1 }},
		{"default above max", func(c *Config) {
			c.DefaultTokenLifetime = 7200
			c.MaxTokenLifetime = 3600
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateKeepsExplicitValues(t *testing.T) {
	cfg := validConfig()
	cfg.DefaultTokenLifetime = 600
	cfg.MaxTokenLifetime = 1200
	cfg.SessionDuration = time.Minute

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 600, cfg.DefaultTokenLifetime)
	assert.Equal(t, 1200, cfg.MaxTokenLifetime)
	assert.Equal(t, time.Minute, cfg.SessionDuration)
}

func TestScopeListUnmarshal(t *testing.T) {
	var fromArray ScopeList
	require.NoError(t, json.Unmarshal([]byte(`["read","write"]`), &fromArray))
	assert.Equal(t, ScopeList{"read", "write"}, fromArray)

	var fromString ScopeList
	require.NoError(t, json.Unmarshal([]byte(`"read write"`), &fromString))
	assert.Equal(t, ScopeList{"read", "write"}, fromString)

	var empty ScopeList
	require.NoError(t, json.Unmarshal([]byte(`""`), &empty))
	assert.Nil(t, empty)

	var bad ScopeList
	assert.Error(t, json.Unmarshal([]byte(`42`), &bad))
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("super-secret")
	assert.Equal(t, "***", s.String())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `"***"`, string(data))

	data, err = json.Marshal(Secret(""))
	require.NoError(t, err)
	assert.Equal(t, `""`, string(data))
}
