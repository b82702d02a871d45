package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// config holds the CLI defaults read from $XDG_CONFIG_HOME/tracedump/config.yaml.
// Flags always override a loaded config value.
type config struct {
	Color   bool `yaml:"color"`   // --info uses colored/bordered panels instead of plain text
	Initial bool `yaml:"initial"` // print the initial register context before streaming events
}

func defaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "tracedump", "config.yaml")
}

// loadConfig reads path if it exists, returning a zero config (not an
// error) when it doesn't. Any other read or parse failure is returned.
func loadConfig(fs afero.Fs, path string) (config, error) {
	var cfg config
	if path == "" {
		return cfg, nil
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
