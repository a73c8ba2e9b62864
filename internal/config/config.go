package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings holds paccat's own tool settings, distinct from the
// pacman configuration the resolver consumes. Loaded from
// /etc/paccat.yml and overridden by the per-user file.
type Settings struct {
	Workers     int             `yaml:"workers"`
	CacheDir    string          `yaml:"cachedir"`
	Highlighter []string        `yaml:"highlighter"`
	Logging     LoggingSettings `yaml:"logging"`
}

type LoggingSettings struct {
	Level string `yaml:"level"`
}

const systemSettingsPath = "/etc/paccat.yml"

// Default returns the settings used when no file is present.
func Default() *Settings {
	return &Settings{
		Workers: 4,
		Logging: LoggingSettings{Level: "warn"},
	}
}

// Load reads the system settings file and then the user settings file,
// each layered over the defaults. A missing file is not an error.
func Load() (*Settings, error) {
	s := Default()

	if err := mergeFile(s, systemSettingsPath); err != nil {
		return nil, err
	}

	if dir, err := os.UserConfigDir(); err == nil {
		if err := mergeFile(s, filepath.Join(dir, "paccat", "paccat.yml")); err != nil {
			return nil, err
		}
	}

	if s.Workers < 1 {
		s.Workers = 1
	}
	return s, nil
}

func mergeFile(s *Settings, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading settings %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parsing settings %s: %w", path, err)
	}
	return nil
}
