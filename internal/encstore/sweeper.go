package encstore

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the sweeper scans for expired entries.
const DefaultSweepInterval = time.Minute

// RunSweepLoop calls sweepFn every interval until stop is closed.
func RunSweepLoop(stop <-chan struct{}, interval time.Duration, sweepFn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sweepFn()
		case <-stop:
			return
		}
	}
}

// Sweeper evicts expired entries from a Store on a fixed schedule,
// independently of request goroutines.
type Sweeper struct {
	store    *Store
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
	start    sync.Once
	close    sync.Once
}

// NewSweeper creates a sweeper for store. Call Start to begin sweeping.
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start launches the background goroutine. Calling Start more than once has no effect.
func (w *Sweeper) Start() {
	w.start.Do(func() {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			RunSweepLoop(w.stop, w.interval, w.sweep)
		}()
	})
}

// Stop halts the sweeper and waits for an in-progress sweep to finish.
// Stop is idempotent.
func (w *Sweeper) Stop() {
	w.close.Do(func() {
		close(w.stop)
	})
	w.wg.Wait()
}

func (w *Sweeper) sweep() {
	start := time.Now()
	evicted := w.store.Sweep(start)
	if evicted > 0 {
		slog.Info("evicted idle image encodings",
			"evicted", evicted,
			"remaining", w.store.Len(),
			"duration", time.Since(start),
		)
	}
}
