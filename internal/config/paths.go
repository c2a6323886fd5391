package config

import (
	"os"
	"path/filepath"
)

const appDir = "loqa-tts"

// RuntimeDir is where the socket and its lock live: $XDG_RUNTIME_DIR first,
// falling back to the state directory on systems without one.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, appDir)
	}
	return StateDir()
}

// StateDir holds the daemon log and the event journal.
func StateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, appDir)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", appDir)
	}
	return filepath.Join(os.TempDir(), appDir)
}

func StatePath(name string) string {
	return filepath.Join(StateDir(), name)
}

func DefaultSocketPath() string {
	return filepath.Join(RuntimeDir(), "daemon.sock")
}

// DefaultConfigPath returns the per-user config file location, or "" when no
// config directory can be determined.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, appDir, "config.yaml")
}

// LockPath is the singleton lock guarding a socket path.
func LockPath(socketPath string) string {
	return socketPath + ".lock"
}
