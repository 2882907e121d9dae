// Package config loads client and server configuration from flags, SCORE_*
// environment variables and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ConfigDir is the configuration directory name under the user config root.
const ConfigDir = "score"

// configRoot returns the platform-appropriate config directory.
//   - Windows: %APPDATA%\Score
//   - Unix: ~/.config/score (XDG standard)
func configRoot() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Score")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", ConfigDir)
	}
	return ""
}

// DefaultConfigPath returns the YAML file read when --config is not given.
func DefaultConfigPath() string {
	root := configRoot()
	if root == "" {
		return ""
	}
	return filepath.Join(root, "config.yaml")
}

// DefaultTokenPath returns the file an access token is read from when none is
// configured.
func DefaultTokenPath() string {
	root := configRoot()
	if root == "" {
		return ""
	}
	return filepath.Join(root, "token")
}

// DefaultStateDir returns the directory holding resume state and upload
// locks. Falls back to a temp directory when no home directory exists.
func DefaultStateDir() string {
	root := configRoot()
	if root == "" {
		return filepath.Join(os.TempDir(), "score-state")
	}
	return filepath.Join(root, "state")
}

// EnsureDir creates dir with owner-only permissions.
func EnsureDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("could not determine config directory")
	}
	return os.MkdirAll(dir, 0700)
}
