package cache

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"kvcache/internal/logging"
)

// DefaultInterval is how often a Task samples memory and runs a cycle.
const DefaultInterval = time.Second

// Task runs the engine in the background: once per interval, and as soon as
// possible after Kick. Close stops it and waits for the running cycle.
type Task struct {
	engine       *Engine
	sampler      MemorySampler
	interval     time.Duration
	freeOSMemory bool

	kick chan struct{}

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// NewTask builds a task. A non-positive interval means DefaultInterval.
func NewTask(engine *Engine, sampler MemorySampler, interval time.Duration, freeOSMemory bool) *Task {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Task{
		engine:       engine,
		sampler:      sampler,
		interval:     interval,
		freeOSMemory: freeOSMemory,
		kick:         make(chan struct{}, 1),
	}
}

// Start launches the loop. It returns immediately; calling it twice is a no-op.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true

	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.run(ctx)

	logging.Info(ctx, logging.ComponentEviction, logging.ActionStart, "Eviction task started", map[string]interface{}{
		"interval": t.interval.String(),
	})
}

// Kick requests an unscheduled cycle. It never blocks; kicks arriving while
// one is already pending are coalesced.
func (t *Task) Kick() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Close stops the loop and waits for it to exit. It is safe to call more than
// once and before Start.
func (t *Task) Close() {
	t.once.Do(func() {
		t.mu.Lock()
		t.started = true // a later Start stays a no-op
		cancel := t.cancel
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		t.wg.Wait()
		logging.Info(nil, logging.ComponentEviction, logging.ActionStop, "Eviction task stopped")
	})
}

func (t *Task) run(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-t.kick:
		}
		t.RunOnce(ctx)
	}
}

// RunOnce samples memory and runs a single cycle. Skipped cycles and
// cancellation are not errors for the loop; the next tick starts over.
func (t *Task) RunOnce(ctx context.Context) (CycleReport, error) {
	report, err := t.engine.RunCycle(ctx, t.sampler.Sample())
	switch {
	case err == nil:
	case errors.Is(err, ErrCycleSkipped), errors.Is(err, context.Canceled):
		return report, err
	default:
		logging.Error(ctx, logging.ComponentEviction, logging.ActionEvict, "Eviction cycle failed", err)
		return report, err
	}

	if report.Evicted > 0 && t.freeOSMemory {
		debug.FreeOSMemory()
		logging.Debug(ctx, logging.ComponentEviction, logging.ActionCleanup, "Returned freed memory to the OS", map[string]interface{}{
			"evicted": report.Evicted,
		})
	}
	return report, nil
}
