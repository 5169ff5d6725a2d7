// Package initcmder provides the init command for initializing a local .captain
// directory in the current working directory.
package initcmder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/captain/pkg/config"
	"github.com/papercomputeco/captain/pkg/dotdir"
)

const (
	configFile = "config.toml"

	fetchTimeout = 15 * time.Second
	maxRemoteLen = 1 << 20
)

const initLongDesc string = `Initialize a new .captain/ directory in the current working directory.

Creates a local .captain/ directory that takes precedence over the default
~/.captain/ directory for the frame archive, vector index, session state,
and configuration.

Without --preset a config.toml with default values is written, unless one
already exists. With --preset the config.toml is replaced by either a named
preset (ollama, openai) or a config.toml fetched from an http(s) URL.

Examples:
  captain init
  captain init --preset openai
  captain init --preset https://example.com/captain/config.toml`

const initShortDesc string = "Initialize a local .captain/ directory"

type initCommander struct {
	preset string
	out    io.Writer
}

func NewInitCmd() *cobra.Command {
	cmder := &initCommander{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: initShortDesc,
		Long:  initLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmder.out = cmd.OutOrStdout()
			return cmder.run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&cmder.preset, "preset", "",
		fmt.Sprintf("Preset name (%s) or http(s) URL of a config.toml", strings.Join(config.ValidPresetNames(), ", ")))

	return cmd
}

func (c *initCommander) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Resolve the preset before touching the filesystem so a bad name or
	// unreachable URL leaves nothing behind.
	var cfg *config.Config
	if c.preset != "" {
		var err error
		cfg, err = resolvePreset(ctx, c.preset)
		if err != nil {
			return err
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}

	dir := filepath.Join(cwd, dotdir.DirName)
	info, err := os.Stat(dir)
	existed := err == nil && info.IsDir()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating .captain directory: %w", err)
	}

	path := filepath.Join(dir, configFile)
	if cfg == nil {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			fmt.Fprintf(c.out, "Already initialized: %s\n", dir)
			return nil
		case !errors.Is(err, os.ErrNotExist):
			return fmt.Errorf("reading config: %w", err)
		}
		cfg = config.NewDefaultConfig()
	}

	cfger, err := config.NewConfiger(dir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfger.SaveConfig(cfg); err != nil {
		return err
	}

	if existed {
		fmt.Fprintf(c.out, "Updated config: %s\n", path)
	} else {
		fmt.Fprintf(c.out, "Initialized .captain directory: %s\n", dir)
	}
	return nil
}

func resolvePreset(ctx context.Context, preset string) (*config.Config, error) {
	if strings.HasPrefix(preset, "http://") || strings.HasPrefix(preset, "https://") {
		return fetchRemote(ctx, preset)
	}
	return config.PresetConfig(preset)
}

func fetchRemote(ctx context.Context, url string) (*config.Config, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching remote config: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching remote config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching remote config: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteLen))
	if err != nil {
		return nil, fmt.Errorf("fetching remote config: %w", err)
	}

	cfg, err := config.ParseConfigTOML(data)
	if err != nil {
		return nil, fmt.Errorf("parsing remote config: %w", err)
	}
	return cfg, nil
}
