package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/papercomputeco/captain/pkg/dotdir"
)

// InitViper creates and returns a configured *viper.Viper.
// It sets defaults from NewDefaultConfig(), reads the config.toml file
// (if found via dotdir resolution), and binds environment variables
// with the CAPTAIN_ prefix.
//
// Config precedence (highest to lowest):
//  1. CLI flags (once bound via BindRegisteredFlags)
//  2. Environment variables (CAPTAIN_CAPTURE_WINDOW, CAPTAIN_DEDUP_ENABLED, etc.)
//  3. config.toml file values
//  4. Defaults from NewDefaultConfig()
func InitViper(configDir string) (*viper.Viper, error) {
	v := viper.New()

	// 1. Register all defaults from NewDefaultConfig().
	setViperDefaults(v)

	// 2. Config file discovery via dotdir resolution.
	v.SetConfigName("config")
	v.SetConfigType("toml")

	ddm := dotdir.NewManager()
	target, err := ddm.Target(configDir)
	if err != nil {
		return nil, fmt.Errorf("resolving config dir: %w", err)
	}

	if target != "" {
		v.AddConfigPath(target)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found errors are fine, defaults will apply.
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// 3. Environment variables: CAPTAIN_CAPTURE_INTERVAL, CAPTAIN_STORAGE_SQLITE_PATH, etc.
	v.SetEnvPrefix("CAPTAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// setViperDefaults registers defaults from NewDefaultConfig() into viper
// using dotted-key notation. This keeps defaults.go as the single source of truth.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("version", d.Version)
	for _, k := range configKeyList {
		v.SetDefault(k.name, k.get(d))
	}
}

// FromViper resolves every config key through v's precedence chain into a
// Config. Values are parsed with the same setters as "captain config set".
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := NewDefaultConfig()
	for _, k := range configKeyList {
		raw := v.GetString(k.name)
		if raw == "" {
			continue
		}
		if err := k.set(cfg, raw); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
