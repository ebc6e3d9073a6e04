package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Load reads an engine configuration from a JSON file and validates it.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	// SessionDuration is exposed in the file as whole seconds.
	var aux struct {
		SessionDurationSeconds int `json:"sessionDurationSeconds"`
	}
	if err := json.Unmarshal(data, &aux); err == nil && aux.SessionDurationSeconds > 0 {
		c.SessionDuration = time.Duration(aux.SessionDurationSeconds) * time.Second
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
