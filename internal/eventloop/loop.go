package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrLoopClosed is returned by Run when the loop was already used.
var ErrLoopClosed = errors.New("event loop closed")

// Config configures a Loop.
type Config struct {
	QueueSize int // Initial task queue capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize: 256,
	}
}

// Loop executes posted tasks one at a time, in the order they were posted.
type Loop struct {
	logger *slog.Logger
	tasks  *Queue[func()]

	started  atomic.Bool
	stopping atomic.Bool
	done     chan struct{}
	once     sync.Once

	panics atomic.Int64
}

// LoopStats contains runtime statistics.
type LoopStats struct {
	Queue  QueueStats
	Panics int64
}

// New creates a Loop. It does nothing until Run is called.
func New(cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger: logger,
		tasks:  NewQueue[func()](cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// Post enqueues fn to run on the loop goroutine. It never blocks.
// Returns false if the loop has been closed.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	return l.tasks.Push(fn)
}

// Run executes tasks until ctx is cancelled or Close is called. Cancelling
// ctx abandons queued tasks; Close lets already queued tasks finish.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrLoopClosed
	}
	defer close(l.done)

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			l.stopping.Store(true)
			l.tasks.Close()
		case <-stopWatch:
		}
	}()

	for {
		task, ok := l.tasks.Pop()
		if l.stopping.Load() {
			if ok {
				l.logger.Debug("event loop cancelled, dropping tasks", "count", l.tasks.Len()+1)
			}
			return ctx.Err()
		}
		if !ok {
			return nil
		}
		l.runTask(task)
	}
}

// Close stops accepting tasks. Tasks already queued still run.
func (l *Loop) Close() {
	l.once.Do(l.tasks.Close)
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Stats returns current loop statistics.
func (l *Loop) Stats() LoopStats {
	return LoopStats{
		Queue:  l.tasks.Stats(),
		Panics: l.panics.Load(),
	}
}

// AfterFunc posts fn to the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.state.CompareAndSwap(timerPending, timerFired) {
				fn()
			}
		})
	})
	return t
}

// runTask executes one task, isolating panics so one bad task cannot take
// the loop down.
func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.logger.Error("event loop task panicked", "panic", r)
		}
	}()
	task()
}

const (
	timerPending int32 = iota
	timerStopped
	timerFired
)

// loopTimer is a Timer whose callback runs as a loop task.
type loopTimer struct {
	timer *time.Timer
	state atomic.Int32
}

// Stop prevents the callback from running. It reports whether the call
// stopped the timer before its callback ran.
func (t *loopTimer) Stop() bool {
	t.timer.Stop()
	return t.state.CompareAndSwap(timerPending, timerStopped)
}
