// Package configcmder provides the config command for managing persistent
// captain configuration stored in the .captain/ directory.
package configcmder

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/captain/pkg/config"
)

const configLongDesc string = `Manage persistent captain configuration.

Configuration is stored as config.toml in the .captain/ directory and provides
default values for command flags. CLI flags and CAPTAIN_ environment variables
always take precedence over config file values.

Keys use dotted notation matching the TOML section structure, for example:
  storage.sqlite_path, storage.blob_provider, storage.compression,
  capture.command, capture.interval, capture.window,
  vector_store.provider, embedding.model, describe.provider,
  dedup.enabled, dedup.bucket, retrieval.top_k, eventstream.brokers

Run "captain config list" for every key.

Use subcommands to get, set, or list configuration values:
  captain config set <key> <value>    Set a configuration value
  captain config get <key>            Get a configuration value
  captain config list                 List all configuration values

Examples:
  captain config set capture.command "grim -"
  captain config set capture.window 5m
  captain config set dedup.enabled false
  captain config get embedding.model
  captain config list`

const configShortDesc string = "Manage persistent captain configuration"

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}

func validKeys(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
	if len(args) == 0 {
		return config.ValidConfigKeys(), cobra.ShellCompDirectiveNoFileComp
	}
	return nil, cobra.ShellCompDirectiveNoFileComp
}

func checkKey(key string) error {
	if !config.IsValidConfigKey(key) {
		return fmt.Errorf("unknown config key: %q\n\nValid keys: %s",
			key, strings.Join(config.ValidConfigKeys(), ", "))
	}
	return nil
}

func printTarget(out io.Writer, cfger *config.Configer) {
	if target := cfger.GetTarget(); target != "" {
		fmt.Fprintf(out, "Config file: %s\n\n", target)
	} else {
		fmt.Fprint(out, "No config file found. Using defaults.\n\n")
	}
}
