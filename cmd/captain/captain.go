// Package captaincmder
package captaincmder

import (
	"github.com/spf13/cobra"

	compactcmder "github.com/papercomputeco/captain/cmd/captain/compact"
	configcmder "github.com/papercomputeco/captain/cmd/captain/config"
	contextcmder "github.com/papercomputeco/captain/cmd/captain/context"
	initcmder "github.com/papercomputeco/captain/cmd/captain/init"
	recordcmder "github.com/papercomputeco/captain/cmd/captain/record"
	versioncmder "github.com/papercomputeco/captain/cmd/version"
)

const captainLongDesc string = `Captain records a screen trajectory for a chat agent.

A recorder captures the screen on a fixed cadence, keeps the last few minutes
verbatim, archives everything older, embeds archived frames in the background
and prunes redundant ones. Context assembly returns the recent frames plus the
archived frames most relevant to a query.

  captain record             Record until interrupted
  captain context <query>    Print the context assembled for a query
  captain compact            Prune redundant archived frames and exit`

const captainShortDesc string = "Captain - screen trajectory memory"

func NewCaptainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "captain",
		Short:        captainShortDesc,
		Long:         captainLongDesc,
		SilenceUsage: true,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().Bool("pretty", false, "Colorized human-friendly logs")
	cmd.PersistentFlags().String("config-dir", "", "Override path to .captain/ config directory")
	cmd.PersistentFlags().String("log-file", "", "Also append JSON logs to this file")

	// Add subcommands
	cmd.AddCommand(recordcmder.NewRecordCmd())
	cmd.AddCommand(contextcmder.NewContextCmd())
	cmd.AddCommand(compactcmder.NewCompactCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())
	cmd.AddCommand(initcmder.NewInitCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
