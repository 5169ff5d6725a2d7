// Package recordcmder provides the record command, which runs the capture,
// archive, embedding and dedup pipeline until interrupted.
package recordcmder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/captain/cmd/captain/stack"
	"github.com/papercomputeco/captain/pkg/capture"
	"github.com/papercomputeco/captain/pkg/config"
	"github.com/papercomputeco/captain/pkg/session"
	"github.com/papercomputeco/captain/pkg/trajectory"
)

const defaultFlushTimeout = 30 * time.Second

type RecordCommander struct {
	cfg          *config.Config
	configDir    string
	flushTimeout time.Duration

	logger *slog.Logger
}

const recordLongDesc string = `Record the screen trajectory until interrupted.

Runs the capture command on a fixed cadence. Frames younger than the hot
window stay in memory; older frames are archived, embedded in the background
and pruned when they are redundant. On SIGINT or SIGTERM the hot buffer is
flushed to the archive before exiting.

Only one recorder may use a .captain/ directory at a time.

Examples:
  captain record
  captain record --capture-command "grim -" --interval 2s
  captain record --window 5m --kafka-brokers localhost:9092`

const recordShortDesc string = "Record the screen trajectory"

var recordFlags = append([]string{
	config.FlagCaptureCommand,
	config.FlagInterval,
	config.FlagWindow,
	config.FlagKafkaBrokers,
}, stack.StorageFlags...)

func NewRecordCmd() *cobra.Command {
	cmder := &RecordCommander{}

	cmd := &cobra.Command{
		Use:   "record",
		Short: recordShortDesc,
		Long:  recordLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.cfg, cmder.configDir, err = stack.ResolveConfig(cmd, recordFlags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("kafka-brokers") && cmder.cfg.EventStream.Provider == stack.EventsNone {
				cmder.cfg.EventStream.Provider = stack.EventsKafka
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, closeLog, err := stack.NewLogger(cmd)
			if err != nil {
				return err
			}
			defer closeLog()
			cmder.logger = log
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return cmder.run(ctx)
		},
	}

	config.AddStringFlag(cmd, stack.Flags, config.FlagCaptureCommand, new(string))
	config.AddDurationFlag(cmd, stack.Flags, config.FlagInterval, new(time.Duration))
	config.AddDurationFlag(cmd, stack.Flags, config.FlagWindow, new(time.Duration))
	config.AddStringFlag(cmd, stack.Flags, config.FlagKafkaBrokers, new(string))
	stack.AddStorageFlags(cmd)
	cmd.Flags().DurationVar(&cmder.flushTimeout, "flush-timeout", defaultFlushTimeout, "How long to wait for the hot buffer to reach the archive on exit")

	return cmd
}

func (c *RecordCommander) run(ctx context.Context) error {
	sm, err := session.NewManager(c.configDir)
	if err != nil {
		return err
	}
	lock, err := sm.Lock()
	if err != nil {
		return err
	}
	defer lock.Release()

	source, err := capture.NewCommandSource(c.cfg.Capture.Command, c.cfg.Capture.MediaType)
	if err != nil {
		return err
	}

	s, err := stack.Open(ctx, c.cfg, stack.Options{
		ConfigDir: c.configDir,
		Publisher: true,
		Logger:    c.logger,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	if err := sm.SaveState(&session.State{Command: "record", ArchivePath: s.ArchivePath}); err != nil {
		c.logger.Warn("could not save session state", "error", err)
	}
	defer func() {
		if err := sm.ClearState(); err != nil {
			c.logger.Warn("could not clear session state", "error", err)
		}
	}()

	t, err := trajectory.New(s.TrajectoryConfig(source))
	if err != nil {
		return fmt.Errorf("creating trajectory: %w", err)
	}
	defer t.Close()

	c.logger.Info("recording",
		"capture_command", source.Args(),
		"interval", c.cfg.Capture.Interval.Std(),
		"window", c.cfg.Capture.Window.Std(),
		"archive", s.ArchivePath,
		"vector_store", c.cfg.VectorStore.Provider,
		"dedup", c.cfg.Dedup.Enabled,
		"resume_after", s.Archive.MaxID(),
	)

	runErr := t.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		c.logger.Error("recorder stopped", "error", runErr)
	}

	// ctx is done here; the flush gets its own deadline.
	flushCtx, cancel := context.WithTimeout(context.Background(), c.flushTimeout)
	defer cancel()
	if err := t.Flush(flushCtx); err != nil {
		c.logger.Error("could not flush hot frames", "error", err, "hot_frames", t.Buffer().Len())
		return errors.Join(runErr, fmt.Errorf("flushing hot frames: %w", err))
	}

	stats := t.Stats()
	c.logger.Info("recording stopped",
		"archived", stats.Archived,
		"removed", stats.Removed,
		"last_id", stats.LastID,
		"skipped_identical", stats.Skipped,
		"indexed", stats.Indexed,
		"embed_pending", stats.EmbedPending,
		"deduplicated", stats.Deduplicated,
	)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
