package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/papercomputeco/captain/pkg/frame"
)

// CommandSource captures by running an external command that writes one
// encoded image to stdout, e.g. "screencapture -x -t png /dev/stdout" or
// "grim -".
type CommandSource struct {
	args      []string
	mediaType string
}

var _ Source = (*CommandSource)(nil)

// NewCommandSource parses command with shell quoting rules. Environment
// variables in the command line are expanded. An empty mediaType is sniffed
// from the output.
func NewCommandSource(command, mediaType string) (*CommandSource, error) {
	p := shellwords.NewParser()
	p.ParseEnv = true

	args, err := p.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parsing capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("capture command is required")
	}
	return &CommandSource{args: args, mediaType: mediaType}, nil
}

// Args returns the parsed command line.
func (s *CommandSource) Args() []string {
	return append([]string(nil), s.args...)
}

// Capture implements Source.
func (s *CommandSource) Capture(ctx context.Context) (time.Time, frame.Image, error) {
	ts := time.Now()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.args[0], s.args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return time.Time{}, frame.Image{}, fmt.Errorf("running %s: %w: %s", s.args[0], err, msg)
		}
		return time.Time{}, frame.Image{}, fmt.Errorf("running %s: %w", s.args[0], err)
	}
	if stdout.Len() == 0 {
		return time.Time{}, frame.Image{}, fmt.Errorf("%s produced no image", s.args[0])
	}

	data := stdout.Bytes()
	mediaType := s.mediaType
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}
	return ts, frame.Image{Data: data, MediaType: mediaType}, nil
}
