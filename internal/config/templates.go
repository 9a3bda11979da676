package config

import (
	"bytes"
	"fmt"
	"os"

	gotoml "github.com/pelletier/go-toml/v2"
)

// Template renders DefaultConfig as a complete config file.
func Template() (string, error) {
	data, err := gotoml.Marshal(toFile(DefaultConfig()))
	if err != nil {
		return "", fmt.Errorf("config template render failed: %w", err)
	}
	return string(data), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// CheckFile strictly decodes path, rejecting unknown keys, then runs Load.
func CheckFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := gotoml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var raw fileConfig
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	_, err = Load(path)
	return err
}
