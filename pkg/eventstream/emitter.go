package eventstream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/papercomputeco/captain/pkg/logger"
)

var (
	defaultEmitterQueueSize uint = 256
	defaultPublishTimeout        = 5 * time.Second
)

// EmitterConfig is the configuration of an Emitter.
type EmitterConfig struct {
	Publisher Publisher

	// QueueSize is the capacity of the buffered event channel.
	QueueSize uint

	// PublishTimeout bounds one publish call.
	PublishTimeout time.Duration

	Logger *slog.Logger
}

// Emitter publishes events from a background goroutine so that slow or
// failing backends never hold up the pipeline.
type Emitter struct {
	config EmitterConfig
	queue  chan *FrameEvent
	wg     sync.WaitGroup
	logger *slog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewEmitter creates an emitter and starts its publishing goroutine.
func NewEmitter(c EmitterConfig) (*Emitter, error) {
	if c.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultEmitterQueueSize
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}

	e := &Emitter{
		config: c,
		queue:  make(chan *FrameEvent, c.QueueSize),
		logger: logger.OrNop(c.Logger),
	}
	e.wg.Add(1)
	go e.worker()
	return e, nil
}

// Emit submits an event for publishing.
// Returns true if enqueued, false if the queue is full or the emitter is
// closed, resulting in the event being dropped.
func (e *Emitter) Emit(event *FrameEvent) bool {
	if event == nil {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}

	select {
	case e.queue <- event:
		return true
	default:
		e.logger.Warn("event not queued, queue full, event dropped",
			"event_type", event.EventType,
			"frame_id", event.Frame.ID,
		)
		return false
	}
}

// Close stops accepting events, drains the queue and closes the publisher.
func (e *Emitter) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.queue)
		e.mu.Unlock()

		e.wg.Wait()
		err = e.config.Publisher.Close()
	})
	return err
}

func (e *Emitter) worker() {
	defer e.wg.Done()

	for event := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), e.config.PublishTimeout)
		err := e.config.Publisher.PublishFrame(ctx, event)
		cancel()
		if err != nil {
			e.logger.Warn("failed to publish frame event",
				"event_type", event.EventType,
				"frame_id", event.Frame.ID,
				"error", err,
			)
			continue
		}
		e.logger.Debug("frame event published",
			"event_type", event.EventType,
			"event_id", event.EventID,
			"frame_id", event.Frame.ID,
		)
	}
}
