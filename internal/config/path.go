// Package config loads threadline's configuration through viper and
// resolves the paths it names.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandPath expands a leading ~ and $VAR references in path.
func ExpandPath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = home + strings.TrimPrefix(path, "~")
		}
	}
	return os.ExpandEnv(path)
}

// ConfigDir is where the config file is looked up when --config is not
// given: $XDG_CONFIG_HOME/threadline, else ~/.config/threadline.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "threadline")
	}
	return ExpandPath("~/.config/threadline")
}
