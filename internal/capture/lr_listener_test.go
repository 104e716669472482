package capture

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perangel/changeflow"
)

// recordingStandby records acknowledged positions and notices overlapping
// writes.
type recordingStandby struct {
	inflight int32
	overlap  int32

	mu        sync.Mutex
	positions []uint64
}

func (s *recordingStandby) SendStandbyStatus(status *pgx.StandbyStatus) error {
	if atomic.AddInt32(&s.inflight, 1) > 1 {
		atomic.StoreInt32(&s.overlap, 1)
	}
	defer atomic.AddInt32(&s.inflight, -1)
	time.Sleep(time.Millisecond)

	s.mu.Lock()
	s.positions = append(s.positions, status.WalWritePosition)
	s.mu.Unlock()
	return nil
}

func newTestLRListener(standby standbySender) *LogicalReplicationListener {
	logger := log.New()
	logger.SetOutput(io.Discard)
	l := NewLogicalReplicationListener(changeflow.DBConfig{}, LRLogger(logger))
	l.standby = standby
	return l
}

func walEvent(lsn uint64) *changeflow.ChangeEvent {
	e := changeflow.NewChangeEvent()
	e.SetProps(map[string]string{"wal_start": pgx.FormatLSN(lsn)})
	return e
}

func TestCommitState(t *testing.T) {
	t.Run("acknowledges the position", func(t *testing.T) {
		standby := &recordingStandby{}
		l := newTestLRListener(standby)

		require.NoError(t, l.CommitState(context.Background(), walEvent(0x16B3748)))
		assert.Equal(t, []uint64{0x16B3748}, standby.positions)
	})

	t.Run("never moves backwards", func(t *testing.T) {
		standby := &recordingStandby{}
		l := newTestLRListener(standby)

		require.NoError(t, l.CommitState(context.Background(), walEvent(200)))
		require.NoError(t, l.CommitState(context.Background(), walEvent(100)))
		assert.Equal(t, []uint64{200, 200}, standby.positions)
	})

	t.Run("ignores events without a position", func(t *testing.T) {
		standby := &recordingStandby{}
		l := newTestLRListener(standby)

		require.NoError(t, l.CommitState(context.Background(), nil))
		require.NoError(t, l.CommitState(context.Background(), changeflow.NewChangeEvent()))
		assert.Empty(t, standby.positions)
	})

	t.Run("rejects a malformed position", func(t *testing.T) {
		l := newTestLRListener(&recordingStandby{})

		e := changeflow.NewChangeEvent()
		e.SetProps(map[string]string{"wal_start": "not-an-lsn"})
		assert.Error(t, l.CommitState(context.Background(), e))
	})
}

func TestStandbyStatusIsSerialized(t *testing.T) {
	standby := &recordingStandby{}
	l := newTestLRListener(standby)

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(2)
		go func(lsn uint64) {
			defer wg.Done()
			assert.NoError(t, l.CommitState(context.Background(), walEvent(lsn)))
		}(uint64(i * 100))
		go func() {
			defer wg.Done()
			assert.NoError(t, l.sendStandbyStatus())
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&standby.overlap), "standby status writes overlapped")
	require.Len(t, standby.positions, 16)
	for i := 1; i < len(standby.positions); i++ {
		assert.GreaterOrEqual(t, standby.positions[i], standby.positions[i-1])
	}
}
