package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"loopauth/pkg/logging"
)

const (
	userConfigDir  = ".config/loopauth"
	configFileName = "config.yaml"
)

// osUserHomeDir is replaced in tests.
var osUserHomeDir = os.UserHomeDir

// DefaultConfigDir returns ~/.config/loopauth.
func DefaultConfigDir() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "could not determine user config directory")
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// LoadConfig loads config.yaml from configDir over the defaults. A missing
// file yields the defaults; a malformed one is an error. Paths starting with
// ~/ are expanded.
func LoadConfig(configDir string) (LoopauthConfig, error) {
	configFilePath := filepath.Join(configDir, configFileName)
	config := GetDefaultConfig()

	// #nosec G304 -- the config path is chosen by the user running the CLI
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Debug("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
			return config, nil
		}
		return LoopauthConfig{}, errors.Wrapf(err, "failed to read %s", configFilePath)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return LoopauthConfig{}, errors.Wrapf(err, "error loading config from %s", configFilePath)
	}

	if config.Credentials.Path, err = ExpandHome(config.Credentials.Path); err != nil {
		return LoopauthConfig{}, err
	}
	if config.Provider.ClientSecretFile, err = ExpandHome(config.Provider.ClientSecretFile); err != nil {
		return LoopauthConfig{}, err
	}
	// A relative client secret path is relative to the config directory.
	if f := config.Provider.ClientSecretFile; f != "" && !filepath.IsAbs(f) {
		config.Provider.ClientSecretFile = filepath.Join(configDir, f)
	}

	logging.Debug("ConfigLoader", "Loaded configuration from %s", configFilePath)
	return config, nil
}

// ExpandHome replaces a leading ~/ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", errors.Wrapf(err, "could not expand %s", path)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~")), nil
}
