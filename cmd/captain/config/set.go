package configcmder

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/captain/pkg/config"
)

const setLongDesc string = `Set a configuration value.

Sets the given key to the provided value in the config.toml file
stored in the .captain/ directory. Values are checked against the key's
type: durations use Go syntax ("30s", "3m"), booleans are true or false.

Examples:
  captain config set capture.command "grim -"
  captain config set capture.interval 2s
  captain config set dedup.similarity_threshold 0.95
  captain config set eventstream.provider kafka`

const setShortDesc string = "Set a configuration value"

func newSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: setShortDesc,
		Long:  setLongDesc,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")
			return runSet(cmd.OutOrStdout(), args[0], args[1], configDir)
		},
		ValidArgsFunction: validKeys,
	}

	return cmd
}

func runSet(out io.Writer, key, value, configDir string) error {
	if err := checkKey(key); err != nil {
		return err
	}

	cfger, err := config.NewConfiger(configDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	printTarget(out, cfger)

	if err := cfger.SetConfigValue(key, value); err != nil {
		return err
	}

	fmt.Fprintf(out, "Set %s = %s\n", key, value)
	return nil
}
