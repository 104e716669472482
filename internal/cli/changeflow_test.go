package cli

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perangel/changeflow"
)

// streamListener emits its events, then optionally an error, and stops.
type streamListener struct {
	events    []*changeflow.ChangeEvent
	err       error
	mu        sync.Mutex
	committed []*changeflow.ChangeEvent
}

func (l *streamListener) Dial(context.Context) error { return nil }

func (l *streamListener) ListenForChanges(ctx context.Context) (<-chan *changeflow.ChangeEvent, <-chan error) {
	eventCh := make(chan *changeflow.ChangeEvent)
	errCh := make(chan error)
	go func() {
		defer close(eventCh)
		defer close(errCh)
		for _, e := range l.events {
			select {
			case eventCh <- e:
			case <-ctx.Done():
				return
			}
		}
		if l.err != nil {
			select {
			case errCh <- l.err:
			case <-ctx.Done():
			}
		}
	}()
	return eventCh, errCh
}

func (l *streamListener) Close() error { return nil }

func (l *streamListener) CommitState(_ context.Context, last *changeflow.ChangeEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.committed = append(l.committed, last)
	return nil
}

type recordingSink struct {
	batches [][]*changeflow.ChangeEvent
	err     error
}

func (s *recordingSink) Write(_ context.Context, batch []*changeflow.ChangeEvent) error {
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func deleteEvent(id string) *changeflow.ChangeEvent {
	e := changeflow.NewChangeEvent()
	e.EventType = changeflow.EventTypeDelete
	e.SourcingType = changeflow.SourcingTypeMySQL
	e.SchemaName = "app"
	e.TableName = "users"
	key := changeflow.NewEventColumn(0, "id", "int", id)
	key.IsKey = true
	e.Keys = []*changeflow.EventColumn{key}
	e.SetProps(map[string]string{"log_file": "mysql-bin.000001", "log_pos": id})
	return e
}

func testRun(t *testing.T, listener changeflow.Listener, out sink) error {
	t.Helper()
	logger := log.New()
	logger.SetOutput(io.Discard)
	config := &changeflow.Config{PairID: changeflow.UnsetPairID, BatchMaxEvents: 1}
	return run(listener, out, config, logger)
}

func TestRunFailsWhenStreamEnds(t *testing.T) {
	listener := &streamListener{
		events: []*changeflow.ChangeEvent{deleteEvent("1")},
		err:    errors.New("connection reset"),
	}
	out := &recordingSink{}

	err := testRun(t, listener, out)
	assert.ErrorIs(t, err, errStreamEnded)
	require.Len(t, out.batches, 1)
}

func TestRunCommitsAfterWrite(t *testing.T) {
	listener := &streamListener{
		events: []*changeflow.ChangeEvent{deleteEvent("1"), deleteEvent("2")},
	}
	out := &recordingSink{}

	err := testRun(t, listener, out)
	assert.ErrorIs(t, err, errStreamEnded)
	require.Len(t, out.batches, 2)
	require.Len(t, listener.committed, 2)
	assert.Equal(t, "2", listener.committed[1].Props["log_pos"])
}

func TestRunReturnsWriteError(t *testing.T) {
	listener := &streamListener{
		events: []*changeflow.ChangeEvent{deleteEvent("1")},
	}
	boom := errors.New("target unavailable")
	out := &recordingSink{err: boom}

	err := testRun(t, listener, out)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, listener.committed)
}
