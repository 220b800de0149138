package config

import (
	"os"
	"path/filepath"
)

// RootPath returns the root directory for taskstore data.
// It uses $TASKSTORE_PATH if set, otherwise defaults to ~/.taskstore.
func RootPath() string {
	if v := os.Getenv("TASKSTORE_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".taskstore")
	}
	return filepath.Join(home, ".taskstore")
}

// ConfigPath returns the path to the default config file.
func ConfigPath() string {
	return filepath.Join(RootPath(), "config.jsonc")
}

// DotenvPath returns the path to the .env file.
func DotenvPath() string {
	return filepath.Join(RootPath(), ".env")
}

// TasksDir returns the default root of the file backend.
func TasksDir() string {
	return filepath.Join(RootPath(), "tasks")
}

// ChangesDir returns the default root of the gateway change log.
func ChangesDir() string {
	return filepath.Join(RootPath(), "changes")
}
