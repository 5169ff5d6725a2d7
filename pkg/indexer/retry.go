package indexer

import (
	"context"
	"time"

	"github.com/papercomputeco/captain/pkg/frame"
)

const maxBackoffShift = 5

// deferRetry schedules id for a later attempt. A counted failure advances
// the attempt number and backs off exponentially; an uncounted one (a full
// queue) only makes sure the frame is scheduled. It returns the attempt
// number of the failure.
func (ix *Indexer) deferRetry(id frame.ID, counted bool) int {
	ix.retryMu.Lock()
	defer ix.retryMu.Unlock()

	st, ok := ix.retries[id]
	if !ok {
		st = &retryState{}
		ix.retries[id] = st
	}
	if !counted {
		if !ok {
			st.next = time.Now().Add(ix.config.RetryInterval)
		}
		return st.attempts
	}

	st.attempts++
	if st.attempts >= ix.config.MaxAttempts {
		delete(ix.retries, id)
		ix.logger.Error("giving up on embedding frame",
			"frame_id", id,
			"attempts", st.attempts,
		)
		return st.attempts
	}

	shift := min(st.attempts-1, maxBackoffShift)
	st.next = time.Now().Add(ix.config.RetryInterval << shift)
	return st.attempts
}

func (ix *Indexer) forget(id frame.ID) {
	ix.retryMu.Lock()
	defer ix.retryMu.Unlock()
	delete(ix.retries, id)
}

// due returns the ids whose retry time has passed and pushes their next
// time forward so a queued retry is not queued twice.
func (ix *Indexer) due(now time.Time) []frame.ID {
	ix.retryMu.Lock()
	defer ix.retryMu.Unlock()

	var ids []frame.ID
	for id, st := range ix.retries {
		if now.Before(st.next) {
			continue
		}
		ids = append(ids, id)
		st.next = now.Add(ix.config.RetryInterval)
	}
	return ids
}

// RetryDue queues every frame whose retry time has passed and returns how
// many were queued.
func (ix *Indexer) RetryDue(now time.Time) int {
	n := 0
	for _, id := range ix.due(now) {
		if ix.Enqueue(id) {
			n++
		}
	}
	return n
}

// Run drives the retry schedule and purges stale index entries until ctx is
// done.
func (ix *Indexer) Run(ctx context.Context) error {
	tick := ix.config.RetryInterval / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ix.ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := ix.RetryDue(now); n > 0 {
				ix.logger.Debug("retrying embeddings", "count", n)
			}
			if n, err := ix.PurgeStale(ctx); err != nil {
				ix.logger.Warn("failed to purge stale vectors", "error", err)
			} else if n > 0 {
				ix.logger.Debug("purged stale vectors", "count", n)
			}
		}
	}
}
