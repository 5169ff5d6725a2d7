// Package dotdir manages the .captain/ and ~/.captain directories.
//
// The directory holds config.toml and, unless configured elsewhere, the
// archive database, the image blobs and the durable vector index.
package dotdir

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DirName is the name of the captain directory.
	DirName = ".captain"
)

// Default file names inside the captain directory.
const (
	ArchiveDBName = "archive.db"
	VectorDBName  = "vectors.db"
	FramesDirName = "frames"
)

type Manager struct{}

func NewManager() *Manager {
	return &Manager{}
}

// Target returns the target absolute path to a .captain/ directory.
// Order of precedence is as follows:
//  1. Provided override
//  2. Local ./.captain/ dir
//  3. Home ~/.captain/ dir, created when missing
func (m *Manager) Target(overrideDir string) (string, error) {
	var dir string

	switch {
	case overrideDir != "":
		dir = overrideDir

	case m.localDirExists():
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getting current directory: %w", err)
		}
		dir = filepath.Join(cwd, DirName)

	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		dir = filepath.Join(home, DirName)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating captain directory %s: %w", dir, err)
	}

	return filepath.Abs(dir)
}

// Resolve returns configured when set, otherwise name inside the target
// directory.
func (m *Manager) Resolve(overrideDir, configured, name string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	dir, err := m.Target(overrideDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// localDirExists checks whether a .captain/ directory exists in the current
// working directory.
func (m *Manager) localDirExists() bool {
	cwd, err := os.Getwd()
	if err != nil {
		return false
	}

	info, err := os.Stat(filepath.Join(cwd, DirName))
	return err == nil && info.IsDir()
}
