package changeflow

import (
	"context"
	"time"
)

// BatchOptions bounds the batches produced by Batch.
type BatchOptions struct {
	// MaxEvents flushes once this many events are buffered.
	MaxEvents int
	// MaxBytes flushes once the summed event Size reaches this value.
	MaxBytes int64
	// Window flushes a non-empty batch this long after its first event.
	Window time.Duration
}

// DefaultBatchOptions returns the batching defaults.
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{
		MaxEvents: 500,
		MaxBytes:  4 << 20,
		Window:    200 * time.Millisecond,
	}
}

// EventBatch is a deduplicated and merged group of events.
type EventBatch struct {
	Events []*ChangeEvent
	// Checkpoint is the last event captured into the batch, taken before
	// merging. Its source position covers every event of the batch.
	Checkpoint *ChangeEvent
}

// Batch groups events from in into merged batches. The output channel is
// closed once in is closed and the last batch was flushed, or when ctx is done.
func Batch(ctx context.Context, in <-chan *ChangeEvent, opts BatchOptions) <-chan *EventBatch {
	defaults := DefaultBatchOptions()
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = defaults.MaxEvents
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaults.MaxBytes
	}
	if opts.Window <= 0 {
		opts.Window = defaults.Window
	}

	outCh := make(chan *EventBatch)
	go func() {
		defer close(outCh)

		var (
			buf   []*ChangeEvent
			bytes int64
			timer *time.Timer
			tick  <-chan time.Time
		)

		flush := func() bool {
			if timer != nil {
				timer.Stop()
				timer, tick = nil, nil
			}
			if len(buf) == 0 {
				return true
			}
			batch := &EventBatch{Checkpoint: buf[len(buf)-1]}
			batch.Events = Merge(Dedup(buf))
			buf, bytes = nil, 0
			select {
			case outCh <- batch:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case e, ok := <-in:
				if !ok {
					flush()
					return
				}
				if len(buf) == 0 {
					timer = time.NewTimer(opts.Window)
					tick = timer.C
				}
				buf = append(buf, e)
				bytes += e.Size
				if len(buf) >= opts.MaxEvents || bytes >= opts.MaxBytes {
					if !flush() {
						return
					}
				}
			case <-tick:
				timer, tick = nil, nil
				if !flush() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return outCh
}
