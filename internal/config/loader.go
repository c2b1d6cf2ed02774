package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Load reads, decodes, normalizes, and validates the config file at
// path. The format is chosen by file extension; files without a
// recognized extension are tried as YAML, then TOML, then JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	raw, err := decode(path, data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	cfg, err := fromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// decode parses the raw bytes into a generic document for the
// normalizer to walk.
func decode(path string, data []byte) (map[string]any, error) {
	var raw map[string]any

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
	default:
		// Unknown extension: try each format in turn.
		if err := yaml.Unmarshal(data, &raw); err == nil {
			return raw, nil
		}
		if err := toml.Unmarshal(data, &raw); err == nil {
			return raw, nil
		}
		if err := json.Unmarshal(data, &raw); err == nil {
			return raw, nil
		}
		return nil, fmt.Errorf("unrecognized config format")
	}
	return raw, nil
}
