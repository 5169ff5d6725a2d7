package nop

import (
	"context"

	"github.com/papercomputeco/captain/pkg/eventstream"
)

// Publisher is a no-op eventstream publisher used for tests and disabled mode.
type Publisher struct{}

var _ eventstream.Publisher = (*Publisher)(nil)

// NewPublisher creates a new no-op eventstream publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// PublishFrame validates input and otherwise does nothing.
func (p *Publisher) PublishFrame(_ context.Context, event *eventstream.FrameEvent) error {
	if event == nil {
		return eventstream.ErrNilFrameEvent
	}

	return nil
}

// Close is a no-op.
func (p *Publisher) Close() error {
	return nil
}
