package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// ScopeList accepts either a JSON array of strings or a single
// space-separated string, since OAuth providers document both forms.
type ScopeList []string

// UnmarshalJSON implements json.Unmarshaler
func (l *ScopeList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*l = nil
			return nil
		}
		*l = strings.Fields(single)
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("scopes must be a string or an array of strings")
	}
	*l = many
	return nil
}

// Join returns the scopes as a single space-separated string.
func (l ScopeList) Join() string {
	return strings.Join(l, " ")
}

// ShortenerConfig describes an optional link-shortening service.
type ShortenerConfig struct {
	// Endpoint receives a POST with the long link and returns the short one.
	Endpoint string `json:"endpoint"`
	APIKey   Secret `json:"apiKey,omitempty"`
}

// Defaults applied by Validate when the corresponding field is zero.
const (
	DefaultTokenLifetimeSeconds = 3600
	DefaultMaxLifetimeSeconds   = 86400
	DefaultSessionDuration      = 10 * time.Minute
	DefaultPollInterval         = 5 * time.Second
)

// Config holds the immutable parameters for one OAuth client/provider
// pairing. It is built once and never mutated by the engine.
type Config struct {
	ClientID     string `json:"clientId"`
	ClientSecret Secret `json:"clientSecret,omitempty"`

	// RedirectURI is the base redirect sent with authorization and
	// code-exchange requests. A session may override it.
	RedirectURI string `json:"redirectUri"`

	AuthorizationEndpoint string `json:"authorizationUrl"`
	TokenEndpoint         string `json:"tokenUrl,omitempty"`

	// StateEndpoint creates link states (POST) and answers polls (GET).
	StateEndpoint string `json:"stateUrl"`

	Scopes ScopeList `json:"scopes,omitempty"`

	// UsePKCE enables the S256 code challenge on authorization links.
	UsePKCE bool `json:"usePkce,omitempty"`

	// BasicAuthHeader sends client credentials as an Authorization header
	// on token requests in addition to the form body.
	BasicAuthHeader bool `json:"basicAuthHeader,omitempty"`

	// ExtraTokenHeaders are added to token requests unless the engine has
	// already set a header with the same name.
	ExtraTokenHeaders map[string]string `json:"extraTokenHeaders,omitempty"`

	// DefaultTokenLifetime is assumed when a token response carries no
	// expires_in and no previous value is known. Seconds.
	DefaultTokenLifetime int `json:"defaultTokenLifetime,omitempty"`

	// MaxTokenLifetime caps expires_in from token responses. Seconds.
	MaxTokenLifetime int `json:"maxTokenLifetime,omitempty"`

	// SessionDuration is the link-state lifetime requested from the
	// provider when a session starts.
	SessionDuration time.Duration `json:"-"`

	Shortener *ShortenerConfig `json:"shortener,omitempty"`

	DisplayName string `json:"displayName,omitempty"`
}

// Validate checks required fields and fills defaults. It returns the first
// problem found.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if c.AuthorizationEndpoint == "" {
		return fmt.Errorf("authorizationUrl is required")
	}
	if c.StateEndpoint == "" {
		return fmt.Errorf("stateUrl is required")
	}
	for name, raw := range map[string]string{
		"authorizationUrl": c.AuthorizationEndpoint,
		"stateUrl":         c.StateEndpoint,
		"tokenUrl":         c.TokenEndpoint,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s is not an absolute URL: %q", name, raw)
		}
	}
	if c.Shortener != nil && c.Shortener.Endpoint == "" {
		return fmt.Errorf("shortener.endpoint is required when shortener is set")
	}
	if c.DefaultTokenLifetime < 0 || c.MaxTokenLifetime < 0 {
		return fmt.Errorf("token lifetimes must not be negative")
	}
	if c.DefaultTokenLifetime == 0 {
		c.DefaultTokenLifetime = DefaultTokenLifetimeSeconds
	}
	if c.MaxTokenLifetime == 0 {
		c.MaxTokenLifetime = DefaultMaxLifetimeSeconds
	}
	if c.DefaultTokenLifetime > c.MaxTokenLifetime {
		return fmt.Errorf("defaultTokenLifetime %d exceeds maxTokenLifetime %d",
			c.DefaultTokenLifetime, c.MaxTokenLifetime)
	}
	if c.SessionDuration == 0 {
		c.SessionDuration = DefaultSessionDuration
	}
	return nil
}
