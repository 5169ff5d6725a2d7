package config

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Flag is the single source of truth for a CLI flag.
// Commands reference flags by registry key rather than hard-coding names,
// shorthands, defaults, and descriptions inline. This prevents flag drift
// when the same logical flag appears on multiple commands (e.g., --sqlite
// on "captain record", "captain context" and "captain compact").
type Flag struct {
	// Name is the long flag name (e.g. "window").
	Name string

	// Shorthand is the one-letter short flag (e.g. "w"). Empty for no shorthand.
	Shorthand string

	// ViperKey is the dotted config key this flag maps to (e.g. "capture.window").
	ViperKey string

	// Description is the help text shown in --help output.
	Description string
}

// FlagSet is a mapping of flag names to Flag structs that hold their name,
// shorthand, viper key, etc.
type FlagSet map[string]Flag

// Flag registry keys.
// Use these constants when calling AddStringFlag, AddUintFlag,
// AddDurationFlag and BindRegisteredFlags to avoid typos or drift from one
// command to another.
const (
	FlagSQLite          = "sqlite"
	FlagPostgres        = "postgres"
	FlagBlobDir         = "blob-dir"
	FlagCaptureCommand  = "capture-command"
	FlagInterval        = "interval"
	FlagWindow          = "window"
	FlagVectorStoreProv = "vector-store-provider"
	FlagVectorStoreTgt  = "vector-store-target"
	FlagEmbeddingProv   = "embedding-provider"
	FlagEmbeddingTgt    = "embedding-target"
	FlagEmbeddingModel  = "embedding-model"
	FlagEmbeddingDims   = "embedding-dimensions"
	FlagDescribeProv    = "describe-provider"
	FlagDescribeModel   = "describe-model"
	FlagTopK            = "top-k"
	FlagBatchSize       = "batch-size"
	FlagKafkaBrokers    = "kafka-brokers"
)

// AddStringFlag registers a string flag on cmd from the given FlagSet.
// The flag's name, shorthand, default, and description all come from the
// FlagSet entry so they cannot drift across commands.
func AddStringFlag(cmd *cobra.Command, fs FlagSet, key string, target *string) {
	def, ok := fs[key]
	if !ok {
		return
	}

	defaultVal := defaultString(def.ViperKey)
	if def.Shorthand != "" {
		cmd.Flags().StringVarP(target, def.Name, def.Shorthand, defaultVal, def.Description)
	} else {
		cmd.Flags().StringVar(target, def.Name, defaultVal, def.Description)
	}
}

// AddUintFlag registers a uint flag on cmd from the given FlagSet.
func AddUintFlag(cmd *cobra.Command, fs FlagSet, registryKey string, target *uint) {
	def, ok := fs[registryKey]
	if !ok {
		return
	}

	defaultVal := defaultUint(def.ViperKey)
	if def.Shorthand != "" {
		cmd.Flags().UintVarP(target, def.Name, def.Shorthand, defaultVal, def.Description)
	} else {
		cmd.Flags().UintVar(target, def.Name, defaultVal, def.Description)
	}
}

// AddDurationFlag registers a duration flag on cmd from the given FlagSet.
func AddDurationFlag(cmd *cobra.Command, fs FlagSet, registryKey string, target *time.Duration) {
	def, ok := fs[registryKey]
	if !ok {
		return
	}

	defaultVal := defaultDuration(def.ViperKey)
	if def.Shorthand != "" {
		cmd.Flags().DurationVarP(target, def.Name, def.Shorthand, defaultVal, def.Description)
	} else {
		cmd.Flags().DurationVar(target, def.Name, defaultVal, def.Description)
	}
}

// BindRegisteredFlags binds already-registered flags to viper using definitions
// from the given FlagSet. Call this in PreRunE after InitViper to connect flags
// to the viper precedence chain (flag > env > config file > default).
func BindRegisteredFlags(v *viper.Viper, cmd *cobra.Command, fs FlagSet, registryKeys []string) {
	for _, registryKey := range registryKeys {
		def, ok := fs[registryKey]
		if !ok {
			continue
		}

		f := cmd.Flags().Lookup(def.Name)
		if f == nil {
			continue
		}

		_ = v.BindPFlag(def.ViperKey, f)
	}
}

// defaultString returns the default string value for a viper key from NewDefaultConfig.
func defaultString(viperKey string) string {
	v := viper.New()
	setViperDefaults(v)
	return v.GetString(viperKey)
}

// defaultUint returns the default uint value for a viper key from NewDefaultConfig.
func defaultUint(viperKey string) uint {
	v := viper.New()
	setViperDefaults(v)
	return v.GetUint(viperKey)
}

// defaultDuration returns the default duration value for a viper key from NewDefaultConfig.
func defaultDuration(viperKey string) time.Duration {
	v := viper.New()
	setViperDefaults(v)
	return v.GetDuration(viperKey)
}
