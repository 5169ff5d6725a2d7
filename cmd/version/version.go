// Package versioncmder
package versioncmder

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/captain/pkg/utils"
)

type VersionCommander struct {
	short bool
}

func NewVersionCmd() *cobra.Command {
	cmder := &VersionCommander{}

	cmd := &cobra.Command{
		Use:   "version",
		Short: "displays version",
		Long:  "displays the version, commit and build time of this captain binary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd)
		},
	}

	cmd.Flags().BoolVar(&cmder.short, "short", false, "Print the version number only")

	return cmd
}

func (c *VersionCommander) run(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	if c.short {
		fmt.Fprintln(out, utils.Version)
		return nil
	}
	fmt.Fprintf(out, "captain %s\nSha: %s\nBuilt at: %s\n", utils.Version, utils.Sha, utils.Buildtime)
	return nil
}
