// Package autoconfig provides working-directory management for the swarm's
// circuit data directories.
package autoconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// GetDefaultWorkDir returns the platform-appropriate root directory for
// circuit working directories.
// On Unix: $XDG_CONFIG_HOME/torswarm or ~/.config/torswarm
// On Windows: %APPDATA%/torswarm
// On macOS: ~/Library/Application Support/torswarm
func GetDefaultWorkDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		baseDir := os.Getenv("APPDATA")
		if baseDir == "" {
			baseDir = os.Getenv("USERPROFILE")
			if baseDir == "" {
				return "", fmt.Errorf("cannot determine Windows user directory")
			}
			baseDir = filepath.Join(baseDir, "AppData", "Roaming")
		}
		return filepath.Join(baseDir, "torswarm"), nil

	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(homeDir, "Library", "Application Support", "torswarm"), nil

	default:
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("cannot determine home directory: %w", err)
			}
			configDir = filepath.Join(homeDir, ".config")
		}
		return filepath.Join(configDir, "torswarm"), nil
	}
}

// EnsureDataDir creates the directory if it doesn't exist and sets proper
// permissions. Circuit data directories hold key material, so on Unix the
// permissions are forced to 700.
func EnsureDataDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path exists but is not a directory: %s", path)
		}
		if runtime.GOOS != "windows" {
			mode := info.Mode().Perm()
			if mode != 0o700 {
				if err := os.Chmod(path, 0o700); err != nil {
					return fmt.Errorf("failed to set directory permissions: %w", err)
				}
			}
		}
		return nil
	}

	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to check directory: %w", err)
	}

	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	return nil
}

// EnsureSubDir creates a subdirectory within the work directory.
func EnsureSubDir(workDir, subDir string) (string, error) {
	path := filepath.Join(workDir, subDir)
	if err := EnsureDataDir(path); err != nil {
		return "", err
	}
	return path, nil
}
