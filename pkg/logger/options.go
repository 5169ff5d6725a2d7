package logger

import (
	"io"
	"log/slog"
)

type format int

const (
	formatText format = iota
	formatJSON
	formatPretty
)

// Option configures a logger built by New.
type Option func(*config)

// WithLevel sets the minimum level.
func WithLevel(level slog.Level) Option {
	return func(c *config) { c.level = level }
}

// WithDebug lowers the level to Debug when debug is set. It never raises a
// level chosen with WithLevel.
func WithDebug(debug bool) Option {
	return func(c *config) {
		if debug {
			c.level = min(c.level, slog.LevelDebug)
		}
	}
}

// WithPretty selects the charmbracelet/log handler for terminals. It wins
// over WithJSON.
func WithPretty(pretty bool) Option {
	return func(c *config) {
		if pretty {
			c.format = formatPretty
		}
	}
}

// WithJSON selects slog's JSON handler, for log files and collectors.
func WithJSON(json bool) Option {
	return func(c *config) {
		if json && c.format != formatPretty {
			c.format = formatJSON
		}
	}
}

// WithWriter replaces the output. Defaults to os.Stdout.
func WithWriter(w io.Writer) Option {
	return WithWriters(w)
}

// WithWriters writes every record to all of w.
func WithWriters(w ...io.Writer) Option {
	return func(c *config) { c.writers = w }
}

// WithSource adds the caller's file:line to each record.
func WithSource(source bool) Option {
	return func(c *config) { c.source = source }
}
