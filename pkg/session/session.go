// Package session guards a .captain/ directory so that only one process
// writes its archive at a time, and records who holds it.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/papercomputeco/captain/pkg/dotdir"
)

const (
	stateFileName = "session.json"
	lockFileName  = "session.lock"
	stateVersion  = 1
)

// ErrLocked is returned by Lock when another process holds the directory.
var ErrLocked = errors.New("captain directory is in use by another process")

// State describes the process holding the session lock.
type State struct {
	Version     int       `json:"version"`
	PID         int       `json:"pid"`
	Command     string    `json:"command"`
	ArchivePath string    `json:"archive_path,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Manager struct {
	Dir       string
	StatePath string
	LockPath  string
}

type Lock struct {
	file *os.File
}

func NewManager(configDir string) (*Manager, error) {
	dir, err := dotdir.NewManager().Target(configDir)
	if err != nil {
		return nil, err
	}

	return &Manager{
		Dir:       dir,
		StatePath: filepath.Join(dir, stateFileName),
		LockPath:  filepath.Join(dir, lockFileName),
	}, nil
}

// Lock takes the exclusive session lock without waiting. When the lock is
// held elsewhere the error wraps ErrLocked and names the holder if known.
func (m *Manager) Lock() (*Lock, error) {
	file, err := os.OpenFile(m.LockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if state, _ := m.LoadState(); state != nil {
				return nil, fmt.Errorf("%w: %s (pid %d) since %s",
					ErrLocked, state.Command, state.PID, state.StartedAt.Format(time.RFC3339))
			}
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("locking session file: %w", err)
	}

	return &Lock{file: file}, nil
}

func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("unlocking session file: %w", err)
	}
	return l.file.Close()
}

func (m *Manager) LoadState() (*State, error) {
	data, err := os.ReadFile(m.StatePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading session state: %w", err)
	}

	state := &State{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parsing session state: %w", err)
	}

	return state, nil
}

// SaveState writes state atomically through a temp file and rename.
func (m *Manager) SaveState(state *State) error {
	if state == nil {
		return errors.New("cannot save nil state")
	}
	if state.Version == 0 {
		state.Version = stateVersion
	}
	if state.PID == 0 {
		state.PID = os.Getpid()
	}
	state.UpdatedAt = time.Now()
	if state.StartedAt.IsZero() {
		state.StartedAt = state.UpdatedAt
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session state: %w", err)
	}

	tmpFile, err := os.CreateTemp(m.Dir, "session-state-*.json")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}

	if err := tmpFile.Chmod(0o600); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp state file: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), m.StatePath); err != nil {
		return fmt.Errorf("persisting state file: %w", err)
	}

	return nil
}

func (m *Manager) ClearState() error {
	if err := os.Remove(m.StatePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("removing session state: %w", err)
	}
	return nil
}
