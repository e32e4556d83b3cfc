package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	AppConfigDir = ".config/fedcore"
	HostKeyName  = "fedcorehostkey"
)

// GetConfigDir returns ~/.config/fedcore, creating it if needed.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, AppConfigDir)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return configDir, nil
}

// ResolveFilePath prefers ./filename, then ~/.config/fedcore/filename. When
// neither exists the user config path is returned so the caller can create
// the file there.
func ResolveFilePath(filename string) string {
	return resolve("", filename)
}

// ResolveFilePathWithSubdir is ResolveFilePath for a file below subdir. The
// subdirectory is created in the user config dir when nothing exists yet.
func ResolveFilePathWithSubdir(subdir, filename string) string {
	return resolve(subdir, filename)
}

// HostKeyPath is where the SSH operator console keeps its host key.
func HostKeyPath() string {
	return ResolveFilePathWithSubdir(".ssh", HostKeyName)
}

func resolve(subdir, filename string) string {
	localPath := filepath.Join(subdir, filename)
	if filepath.IsAbs(filename) {
		return filename
	}
	if _, err := os.Stat(localPath); err == nil {
		return localPath
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return localPath
	}

	userDir := filepath.Join(configDir, subdir)
	userPath := filepath.Join(userDir, filename)
	if _, err := os.Stat(userPath); err == nil {
		return userPath
	}

	if subdir != "" {
		os.MkdirAll(userDir, 0755)
	}
	return userPath
}
