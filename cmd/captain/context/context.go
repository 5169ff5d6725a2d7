// Package contextcmder provides the context command, which prints the
// grounding context assembled for a query.
package contextcmder

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/captain/cmd/captain/stack"
	"github.com/papercomputeco/captain/pkg/config"
	"github.com/papercomputeco/captain/pkg/frame"
	"github.com/papercomputeco/captain/pkg/retrieval"
	"github.com/papercomputeco/captain/pkg/session"
	"github.com/papercomputeco/captain/pkg/trajectory"
	"github.com/papercomputeco/captain/pkg/utils"
)

const (
	formatJSON = "json"
	formatText = "text"

	previewLen = 72
)

type contextCommander struct {
	query      string
	topK       uint
	format     string
	withImages bool

	cfg       *config.Config
	configDir string
	logger    *slog.Logger
}

const contextLongDesc string = `Print the context assembled for a query.

Embeds the query text, searches the archived frames and prints the most
relevant ones in the shape a chat orchestrator receives them. Recent frames
only exist inside a running recorder, so the hot list printed here is empty.

When no recorder holds the .captain/ directory the vector index is first
repaired from the archive, which matters for the in-memory "flat" provider.

Examples:
  captain context "the terminal error from earlier"
  captain context "pull request review" --top-k 10 --format text
  captain context "login page" --with-images > context.json`

const contextShortDesc string = "Print the context assembled for a query"

var contextFlags = append([]string{config.FlagTopK}, stack.StorageFlags...)

func NewContextCmd() *cobra.Command {
	cmder := &contextCommander{}

	cmd := &cobra.Command{
		Use:   "context <query>",
		Short: contextShortDesc,
		Long:  contextLongDesc,
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmder.format != formatJSON && cmder.format != formatText {
				return fmt.Errorf("unknown format %q (available: json, text)", cmder.format)
			}
			var err error
			cmder.cfg, cmder.configDir, err = stack.ResolveConfig(cmd, contextFlags)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmder.query = args[0]
			log, closeLog, err := stack.NewLogger(cmd)
			if err != nil {
				return err
			}
			defer closeLog()
			cmder.logger = log
			return cmder.run(cmd.Context(), cmd.OutOrStdout())
		},
	}

	config.AddUintFlag(cmd, stack.Flags, config.FlagTopK, &cmder.topK)
	stack.AddStorageFlags(cmd)
	cmd.Flags().StringVarP(&cmder.format, "format", "f", formatJSON, "Output format (json, text)")
	cmd.Flags().BoolVar(&cmder.withImages, "with-images", false, "Include base64 image data in JSON output")

	return cmd
}

func (c *contextCommander) run(ctx context.Context, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := stack.Open(ctx, c.cfg, stack.Options{
		ConfigDir:     c.configDir,
		QueryEmbedder: true,
		Logger:        c.logger,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	tc := s.TrajectoryConfig(nil)
	tc.DedupEnabled = false
	t, err := trajectory.New(tc)
	if err != nil {
		return fmt.Errorf("creating trajectory: %w", err)
	}
	defer t.Close()

	if err := c.repair(ctx, t); err != nil {
		return err
	}

	vec, err := s.QueryEmbedder.Embed(ctx, c.query)
	if err != nil {
		return fmt.Errorf("embedding query: %w", err)
	}

	rc := t.BuildContext(ctx, vec, int(c.cfg.Retrieval.TopK))
	if rc.Degraded {
		c.logger.Warn("context is degraded, some relevant frames may be missing")
	}

	view := newContextView(c.query, rc, c.withImages)
	if c.format == formatText {
		return writeText(out, view)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

// repair syncs the vector index with the archive when this process owns the
// directory. A running recorder keeps its own index in sync.
func (c *contextCommander) repair(ctx context.Context, t *trajectory.Trajectory) error {
	sm, err := session.NewManager(c.configDir)
	if err != nil {
		return err
	}

	lock, err := sm.Lock()
	switch {
	case errors.Is(err, session.ErrLocked):
		c.logger.Debug("recorder running, skipping index repair", "reason", err)
		return nil
	case err != nil:
		return err
	}
	defer lock.Release()

	report, err := t.Indexer().Repair(ctx)
	if err != nil {
		return fmt.Errorf("repairing vector index: %w", err)
	}
	c.logger.Debug("vector index repaired",
		"restored", report.Restored,
		"purged", report.Purged,
		"queued", report.Queued,
	)
	return nil
}

type frameView struct {
	ID          frame.ID  `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Caption     string    `json:"caption"`
	Description string    `json:"description,omitempty"`
	Hash        string    `json:"hash"`
	MediaType   string    `json:"media_type,omitempty"`
	Score       *float32  `json:"score,omitempty"`
	Image       string    `json:"image,omitempty"`
}

type contextView struct {
	Query    string      `json:"query"`
	Hot      []frameView `json:"hot"`
	Relevant []frameView `json:"relevant"`
	Degraded bool        `json:"degraded"`
}

func newContextView(query string, rc *retrieval.Context, withImages bool) contextView {
	v := contextView{
		Query:    query,
		Hot:      make([]frameView, 0, len(rc.Hot)),
		Relevant: make([]frameView, 0, len(rc.Relevant)),
		Degraded: rc.Degraded,
	}
	for i := range rc.Hot {
		v.Hot = append(v.Hot, newFrameView(&rc.Hot[i], nil, withImages))
	}
	for _, m := range rc.Relevant {
		score := m.Score
		v.Relevant = append(v.Relevant, newFrameView(m.Frame, &score, withImages))
	}
	return v
}

func newFrameView(f *frame.Frame, score *float32, withImage bool) frameView {
	fv := frameView{
		ID:          f.ID,
		Timestamp:   f.Timestamp,
		Caption:     f.Caption(),
		Description: f.Description,
		Hash:        f.Hash,
		MediaType:   f.Image.MediaType,
		Score:       score,
	}
	if withImage && len(f.Image.Data) > 0 {
		fv.Image = base64.StdEncoding.EncodeToString(f.Image.Data)
	}
	return fv
}

func writeText(out io.Writer, v contextView) error {
	if _, err := fmt.Fprintf(out, "Context for %q\n\n", v.Query); err != nil {
		return err
	}
	if len(v.Relevant) == 0 {
		_, err := fmt.Fprintln(out, "  No relevant archived frames.")
		return err
	}
	for i, fv := range v.Relevant {
		if _, err := fmt.Fprintf(out, "  #%d  score %.4f  frame %d  %s\n", i+1, *fv.Score, fv.ID, fv.Caption); err != nil {
			return err
		}
		if fv.Description != "" {
			if _, err := fmt.Fprintf(out, "      %s\n", utils.Truncate(utils.OneLine(fv.Description), previewLen)); err != nil {
				return err
			}
		}
	}
	if v.Degraded {
		_, err := fmt.Fprintln(out, "\n  (degraded: similarity search did not fully run)")
		return err
	}
	return nil
}
