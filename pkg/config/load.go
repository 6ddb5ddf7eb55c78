package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/olivergale/metis-portal2-sub002/pkg/reasoning"
)

var validate = validator.New()

// Load reads the file at path. A missing file yields the defaults with
// environment overrides applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		cfg.applyEnv()
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults, checks it against the
// schema and validates the result.
func Parse(data []byte) (*Config, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if doc != nil {
		schema, err := DefaultSchema()
		if err != nil {
			return nil, err
		}
		if err := schema.Validate(doc); err != nil {
			return nil, err
		}
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c.Database); err != nil {
		return fmt.Errorf("invalid database config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	if err := c.Monitor.Validate(); err != nil {
		return err
	}
	if err := validate.Struct(c.Escalation); err != nil {
		return fmt.Errorf("invalid escalation config: %w", err)
	}
	if err := c.Diagnostician.Validate(); err != nil {
		return err
	}
	if err := validate.Struct(c.Queue); err != nil {
		return fmt.Errorf("invalid queue config: %w", err)
	}
	if err := validate.Struct(c.Reasoner); err != nil {
		return fmt.Errorf("invalid reasoner config: %w", err)
	}
	if err := validate.Struct(c.Server); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	return nil
}

// Write stores cfg at path as YAML, creating parent directories. The
// reasoner API key is never written.
func Write(path string, cfg *Config) error {
	out := *cfg
	out.Reasoner.APIKey = ""

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if key := os.Getenv(reasoning.APIKeyEnv); key != "" {
		c.Reasoner.APIKey = key
	}
}
