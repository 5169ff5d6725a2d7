package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/papercomputeco/captain/pkg/capture"
	"github.com/papercomputeco/captain/pkg/frame"
)

// ScriptedSource is a capture source replaying a fixed script. Call i
// returns Images[i % len(Images)] stamped Start + i*Step, unless Errors
// holds an error for i.
type ScriptedSource struct {
	mu sync.Mutex

	Start  time.Time
	Step   time.Duration
	Images []frame.Image
	Errors map[int]error

	calls int
}

var _ capture.Source = (*ScriptedSource)(nil)

func NewScriptedSource(start time.Time, step time.Duration, images ...frame.Image) *ScriptedSource {
	return &ScriptedSource{
		Start:  start,
		Step:   step,
		Images: images,
		Errors: make(map[int]error),
	}
}

// FailAt makes call i fail.
func (s *ScriptedSource) FailAt(i int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	s.Errors[i] = err
}

// Calls returns the number of Capture calls.
func (s *ScriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *ScriptedSource) Capture(ctx context.Context) (time.Time, frame.Image, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, frame.Image{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.calls
	s.calls++
	if err, ok := s.Errors[i]; ok {
		return time.Time{}, frame.Image{}, err
	}
	if len(s.Images) == 0 {
		return time.Time{}, frame.Image{}, ErrInjected
	}
	return s.Start.Add(time.Duration(i) * s.Step), s.Images[i%len(s.Images)], nil
}
