package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile unmarshals the YAML file at path into v. A missing file is
// not an error so deployments can rely purely on environment variables;
// a file that exists but does not parse is.
func LoadFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// LoadFileFromEnv loads the YAML file named by the environment variable
// envVar, when set. Environment variables still override file values:
// callers overlay the file first and read env last.
func LoadFileFromEnv(envVar string, v any) error {
	path := os.Getenv(envVar)
	if path == "" {
		return nil
	}
	return LoadFile(path, v)
}
