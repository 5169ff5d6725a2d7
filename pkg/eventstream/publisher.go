package eventstream

import "context"

// Publisher publishes frame events to an event stream backend.
type Publisher interface {
	PublishFrame(ctx context.Context, event *FrameEvent) error
	Close() error
}
