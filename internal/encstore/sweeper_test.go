package encstore

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSweepLoop(t *testing.T) {
	stop := make(chan struct{})
	done := make(chan struct{})
	var calls atomic.Int32

	go func() {
		RunSweepLoop(stop, 5*time.Millisecond, func() { calls.Add(1) })
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweepLoop did not return after stop was closed")
	}
}

func TestSweeper_EvictsExpiredEntries(t *testing.T) {
	s := New(Config{TTL: 10 * time.Millisecond})
	enc := &fakeEncoding{}
	key, err := s.Put(1, enc)
	require.NoError(t, err)

	w := NewSweeper(s, 5*time.Millisecond)
	w.Start()
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), enc.releases.Load())

	_, err = s.Acquire(key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweeper_StopIsIdempotent(t *testing.T) {
	w := NewSweeper(New(Config{}), 0)
	assert.Equal(t, DefaultSweepInterval, w.interval)

	w.Start()
	w.Stop()
	assert.NotPanics(t, w.Stop)
}
