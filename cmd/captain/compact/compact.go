// Package compactcmder provides the compact command, which runs dedup passes
// over the whole archive and exits.
package compactcmder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/captain/cmd/captain/stack"
	"github.com/papercomputeco/captain/pkg/config"
	"github.com/papercomputeco/captain/pkg/dedup"
	"github.com/papercomputeco/captain/pkg/session"
	"github.com/papercomputeco/captain/pkg/trajectory"
)

type compactCommander struct {
	asJSON bool

	cfg       *config.Config
	configDir string
	logger    *slog.Logger
}

// Report is what compact prints.
type Report struct {
	Dedup    dedup.Result `json:"dedup"`
	Archived int          `json:"archived"`
	Removed  int          `json:"removed"`
}

const compactLongDesc string = `Prune redundant archived frames and exit.

Walks the archive in id order and removes frames that are near duplicates of
their predecessor, or whose content is contained in a neighbouring frame.
The only frame of a time bucket is always kept. Frames without an embedding
are skipped until a recorder has embedded them.

Compact needs exclusive use of the .captain/ directory, so stop the recorder
first.

Examples:
  captain compact
  captain compact --batch-size 128 --json`

const compactShortDesc string = "Prune redundant archived frames"

var compactFlags = append([]string{config.FlagBatchSize}, stack.StorageFlags...)

func NewCompactCmd() *cobra.Command {
	cmder := &compactCommander{}

	cmd := &cobra.Command{
		Use:   "compact",
		Short: compactShortDesc,
		Long:  compactLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.cfg, cmder.configDir, err = stack.ResolveConfig(cmd, compactFlags)
			return err
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, closeLog, err := stack.NewLogger(cmd)
			if err != nil {
				return err
			}
			defer closeLog()
			cmder.logger = log
			return cmder.run(cmd.Context(), cmd.OutOrStdout())
		},
	}

	config.AddUintFlag(cmd, stack.Flags, config.FlagBatchSize, new(uint))
	stack.AddStorageFlags(cmd)
	cmd.Flags().BoolVar(&cmder.asJSON, "json", false, "Print the report as JSON")

	return cmd
}

func (c *compactCommander) run(ctx context.Context, out io.Writer) error {
	sm, err := session.NewManager(c.configDir)
	if err != nil {
		return err
	}
	lock, err := sm.Lock()
	if err != nil {
		return err
	}
	defer lock.Release()

	s, err := stack.Open(ctx, c.cfg, stack.Options{
		ConfigDir: c.configDir,
		Logger:    c.logger,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	if err := sm.SaveState(&session.State{Command: "compact", ArchivePath: s.ArchivePath}); err != nil {
		c.logger.Warn("could not save session state", "error", err)
	}
	defer sm.ClearState()

	tc := s.TrajectoryConfig(nil)
	tc.DedupEnabled = true
	t, err := trajectory.New(tc)
	if err != nil {
		return fmt.Errorf("creating trajectory: %w", err)
	}
	defer t.Close()

	// Removal listeners delete vectors, so the index must know them first.
	if _, err := t.Indexer().Repair(ctx); err != nil {
		return fmt.Errorf("repairing vector index: %w", err)
	}

	res, err := t.Dedup().Drain(ctx)
	if err != nil {
		return fmt.Errorf("compacting archive: %w", err)
	}

	stats := t.Stats()
	report := Report{Dedup: res, Archived: stats.Archived, Removed: stats.Removed}
	c.logger.Debug("compaction finished", "removed_now", res.Removed, "scanned", res.Scanned)

	if c.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	_, err = fmt.Fprintf(out,
		"Scanned %d frame pairs, removed %d redundant frames (%d skipped, %d failed).\nArchive: %d live frames, %d removed.\n",
		res.Scanned, res.Removed, res.Skipped, res.Failed, report.Archived, report.Removed,
	)
	return err
}
