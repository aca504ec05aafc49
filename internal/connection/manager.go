package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/fleetsync/internal/eventloop"
	"github.com/rickgao/fleetsync/internal/notify"
	"github.com/rickgao/fleetsync/internal/reconnect"
	"github.com/rickgao/fleetsync/internal/router"
)

// GiveUpMessage is shown once the reconnect attempts are exhausted.
const GiveUpMessage = "Could not reconnect to the server. Retry manually."

// Manager owns the connection lifecycle.
type Manager interface {
	// Start runs the event loop and opens the first connection.
	Start(ctx context.Context) error

	// Stop cancels pending reconnects and batch timers, closes the
	// connection, and waits for the event loop to drain.
	Stop(ctx context.Context) error

	// Connect requests a connection attempt. It is a no-op while one is
	// already in flight.
	Connect()

	// Retry is the manual retry after giving up. It restarts the attempt
	// count and connects immediately.
	Retry()

	// Subscribe registers fn for lifecycle events. fn runs on the event
	// loop and must not block.
	Subscribe(fn func(Event))

	// Stats returns current statistics. Safe from any goroutine.
	Stats() ManagerStats
}

// Dispatcher receives parsed envelopes.
type Dispatcher interface {
	Dispatch(env router.Envelope)
}

// Stopper is torn down together with the manager.
type Stopper interface {
	Stop()
}

// manager implements the Manager interface.
type manager struct {
	cfg        ManagerConfig
	loop       *eventloop.Loop
	dispatcher Dispatcher
	stoppers   []Stopper
	notifier   notify.Notifier
	logger     *slog.Logger
	newClient  func(cfg ClientConfig, events Events, logger *slog.Logger) Client

	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	stopping atomic.Bool
	runErr   chan error

	obsMu     sync.Mutex
	observers []func(Event)

	// Loop-confined
	scheduler  *reconnect.Scheduler
	client     Client
	connecting bool
	stopped    bool

	// Stats (atomic operations for thread safety)
	state       atomic.Int32
	connID      atomic.Value // string
	attempts    atomic.Int64
	gaveUp      atomic.Bool
	connects    atomic.Int64
	opens       atomic.Int64
	frames      atomic.Int64
	parseErrors atomic.Int64
	lastOpenAt  atomic.Int64 // Unix nanoseconds
}

// NewManager creates a new Connection Manager. Frames are dispatched on
// loop; stoppers (typically the notification batcher) are stopped on the
// loop during teardown.
func NewManager(cfg ManagerConfig, loop *eventloop.Loop, dispatcher Dispatcher, notifier notify.Notifier, logger *slog.Logger, stoppers ...Stopper) Manager {
	return newManager(cfg, loop, dispatcher, notifier, logger, stoppers...)
}

func newManager(cfg ManagerConfig, loop *eventloop.Loop, dispatcher Dispatcher, notifier notify.Notifier, logger *slog.Logger, stoppers ...Stopper) *manager {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Discard
	}

	m := &manager{
		cfg:        cfg,
		loop:       loop,
		dispatcher: dispatcher,
		stoppers:   stoppers,
		notifier:   notifier,
		logger:     logger.With("component", "connection"),
		newClient:  NewClient,
		runErr:     make(chan error, 1),
	}
	m.connID.Store("")
	m.scheduler = reconnect.NewScheduler(cfg.Reconnect, loop, m.connect, reconnect.Hooks{
		Scheduled: m.onRetryScheduled,
		GaveUp:    m.onGaveUp,
	}, m.logger)
	return m
}

// Start runs the event loop and posts the first connection attempt.
func (m *manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	go func() {
		m.runErr <- m.loop.Run(m.ctx)
	}()

	m.loop.Post(m.connect)

	m.logger.Info("connection manager started",
		"url", m.cfg.Client.URL,
		"max_attempts", m.cfg.Reconnect.MaxAttempts,
	)
	return nil
}

// Stop gracefully shuts down.
func (m *manager) Stop(ctx context.Context) error {
	if !m.started.Load() {
		return ErrNotStarted
	}
	if !m.stopping.CompareAndSwap(false, true) {
		return nil
	}
	m.logger.Info("stopping connection manager")

	torn := make(chan struct{})
	if m.loop.Post(func() {
		m.teardown()
		close(torn)
	}) {
		select {
		case <-torn:
		case <-m.loop.Done():
		case <-ctx.Done():
			m.logger.Warn("teardown timed out")
		}
	}

	// Let queued tasks finish, then stop the loop
	m.loop.Close()

	var err error
	select {
	case err = <-m.runErr:
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		select {
		case <-torn:
		default:
			// The loop exited first; nothing else touches loop state now.
			m.teardown()
		}
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
	}
	m.cancel()

	m.logger.Info("connection manager stopped")
	return err
}

func (m *manager) Connect() {
	m.loop.Post(m.connect)
}

func (m *manager) Retry() {
	m.loop.Post(func() {
		if m.stopped {
			return
		}
		m.gaveUp.Store(false)
		m.scheduler.Retry()
		m.syncAttempts()
	})
}

func (m *manager) Subscribe(fn func(Event)) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	var lastOpen time.Time
	if ns := m.lastOpenAt.Load(); ns > 0 {
		lastOpen = time.Unix(0, ns)
	}
	return ManagerStats{
		State:          State(m.state.Load()),
		ConnID:         m.connID.Load().(string),
		Attempts:       int(m.attempts.Load()),
		GaveUp:         m.gaveUp.Load(),
		Connects:       m.connects.Load(),
		Opens:          m.opens.Load(),
		FramesReceived: m.frames.Load(),
		ParseErrors:    m.parseErrors.Load(),
		LastOpenAt:     lastOpen,
	}
}

// -----------------------------------------------------------------------------
// Loop-side handlers
// -----------------------------------------------------------------------------

// connect opens a new client unless an attempt is already in flight.
func (m *manager) connect() {
	if m.stopped {
		return
	}
	if m.connecting {
		m.logger.Debug("connection attempt already in flight")
		return
	}

	if m.client != nil && m.client.State() != StateClosed {
		m.logger.Debug("closing previous connection", "conn_id", m.client.ID())
		m.client.Close()
	}

	m.connecting = true

	var c Client
	c = m.newClient(m.cfg.Client, Events{
		OnOpen: func() {
			m.loop.Post(func() { m.onOpen(c) })
		},
		OnMessage: func(data []byte, receivedAt time.Time) {
			m.loop.Post(func() { m.onMessage(c, data, receivedAt) })
		},
		OnError: func(err error) {
			m.loop.Post(func() { m.onError(c, err) })
		},
		OnClose: func(err error) {
			m.loop.Post(func() { m.onClose(c, err) })
		},
	}, m.logger)
	m.client = c

	m.connects.Add(1)
	m.connID.Store(c.ID())
	m.state.Store(int32(StateConnecting))
	m.syncAttempts()

	m.logger.Info("connecting",
		"conn_id", c.ID(),
		"url", m.cfg.Client.URL,
		"attempt", m.scheduler.Attempts(),
	)
	m.emit(Event{Kind: EventConnecting, ConnID: c.ID(), Attempt: m.scheduler.Attempts()})

	c.Open(m.ctx)
}

// current reports whether c is the live client. Events from a superseded
// client are ignored.
func (m *manager) current(c Client) bool {
	return c != nil && c == m.client && !m.stopped
}

func (m *manager) onOpen(c Client) {
	if !m.current(c) {
		return
	}
	m.connecting = false
	m.scheduler.Reset()
	m.gaveUp.Store(false)
	m.syncAttempts()

	m.opens.Add(1)
	m.lastOpenAt.Store(time.Now().UnixNano())
	m.state.Store(int32(StateOpen))

	m.logger.Info("connected", "conn_id", c.ID())
	m.emit(Event{Kind: EventConnected, ConnID: c.ID()})
}

func (m *manager) onMessage(c Client, data []byte, receivedAt time.Time) {
	if !m.current(c) {
		return
	}
	m.frames.Add(1)

	env, err := router.ParseEnvelope(data, receivedAt)
	if err != nil {
		m.parseErrors.Add(1)
		m.logger.Warn("discarding malformed frame",
			"conn_id", c.ID(),
			"error", err,
			"size", len(data),
		)
		return
	}
	env.ConnID = c.ID()

	if m.dispatcher != nil {
		m.dispatcher.Dispatch(env)
	}
}

func (m *manager) onError(c Client, err error) {
	if !m.current(c) {
		return
	}
	m.connecting = false

	m.logger.Warn("connection error", "conn_id", c.ID(), "error", err)
	m.emit(Event{Kind: EventError, ConnID: c.ID(), Err: err})
}

func (m *manager) onClose(c Client, err error) {
	if !m.current(c) {
		return
	}
	m.connecting = false
	m.state.Store(int32(StateClosed))

	m.logger.Info("disconnected", "conn_id", c.ID(), "error", err)
	m.emit(Event{Kind: EventDisconnected, ConnID: c.ID(), Err: err})

	m.scheduler.OnDisconnected()
	m.syncAttempts()
}

func (m *manager) onRetryScheduled(attempt int, delay time.Duration) {
	m.emit(Event{Kind: EventReconnecting, Attempt: attempt, Delay: delay})
}

func (m *manager) onGaveUp(attempts int) {
	m.gaveUp.Store(true)
	m.logger.Error("could not reconnect", "attempts", attempts)
	m.emit(Event{Kind: EventGaveUp, Attempt: attempts})
	m.notifier.Notify(notify.Notification{
		Message:    GiveUpMessage,
		Kind:       notify.KindError,
		Persistent: true,
		At:         time.Now(),
	})
}

// teardown runs on the loop. After it returns no timer callback or client
// event has any effect.
func (m *manager) teardown() {
	m.stopped = true
	m.connecting = false
	m.scheduler.Cancel()
	for _, s := range m.stoppers {
		s.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
	m.state.Store(int32(StateClosed))
}

func (m *manager) syncAttempts() {
	m.attempts.Store(int64(m.scheduler.Attempts()))
}

func (m *manager) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	m.obsMu.Lock()
	observers := make([]func(Event), len(m.observers))
	copy(observers, m.observers)
	m.obsMu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}
