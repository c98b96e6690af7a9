package runtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// freezeManager owns the periodic re-assert loops behind value locks.
// Each frozen symbol gets its own goroutine that rewrites the locked
// value at a fixed interval until the lock is released or the manager
// is shut down. Loops hold no adapter locks; each tick performs its
// write through a self-contained closure captured at start time, so a
// slow or blocked session operation can never wedge a freeze loop (or
// the other way around).
type freezeManager struct {
	logger   *zap.Logger
	interval time.Duration

	mu    sync.Mutex
	loops map[string]context.CancelFunc
	wg    sync.WaitGroup
}

func newFreezeManager(logger *zap.Logger, interval time.Duration) *freezeManager {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &freezeManager{
		logger:   logger.Named("freeze"),
		interval: interval,
		loops:    make(map[string]context.CancelFunc),
	}
}

// Start begins (or restarts) a freeze loop for the named symbol. A
// previous loop for the same symbol is cancelled first so a new lock
// value supersedes the old one rather than fighting it.
func (f *freezeManager) Start(symbol string, write func(context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())

	f.mu.Lock()
	if prev, ok := f.loops[symbol]; ok {
		prev()
	}
	f.loops[symbol] = cancel
	f.mu.Unlock()

	f.wg.Add(1)
	go f.run(ctx, symbol, write)
}

func (f *freezeManager) run(ctx context.Context, symbol string, write func(context.Context) error) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := write(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				f.logger.Warn("freeze re-assert failed",
					zap.String("symbol", symbol),
					zap.Error(err))
			}
		}
	}
}

// Stop cancels the loop for one symbol. Stopping a symbol that is not
// frozen is a no-op.
func (f *freezeManager) Stop(symbol string) {
	f.mu.Lock()
	cancel, ok := f.loops[symbol]
	if ok {
		delete(f.loops, symbol)
	}
	f.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopAll cancels every loop and blocks until all of them have exited.
// Called on detach so no goroutine outlives the session it was writing
// into.
func (f *freezeManager) StopAll() {
	f.mu.Lock()
	for symbol, cancel := range f.loops {
		cancel()
		delete(f.loops, symbol)
	}
	f.mu.Unlock()
	f.wg.Wait()
}

// Frozen reports the symbols with an active loop, for diagnostics.
func (f *freezeManager) Frozen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.loops))
	for symbol := range f.loops {
		out = append(out, symbol)
	}
	return out
}
