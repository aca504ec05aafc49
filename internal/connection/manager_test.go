package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/fleetsync/internal/eventloop"
	"github.com/rickgao/fleetsync/internal/notify"
	"github.com/rickgao/fleetsync/internal/reconnect"
	"github.com/rickgao/fleetsync/internal/router"
)

// fastReconnect keeps tests quick.
func fastReconnect(maxAttempts int) reconnect.Config {
	return reconnect.Config{
		BaseDelay:   5 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    20 * time.Millisecond,
		MaxAttempts: maxAttempts,
	}
}

// dispatchLog records envelopes handed to the router.
type dispatchLog struct {
	mu   sync.Mutex
	envs []router.Envelope
}

func (d *dispatchLog) Dispatch(env router.Envelope) {
	d.mu.Lock()
	d.envs = append(d.envs, env)
	d.mu.Unlock()
}

func (d *dispatchLog) types() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.envs))
	for i, env := range d.envs {
		out[i] = env.Type
	}
	return out
}

// noteLog records notifications.
type noteLog struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (n *noteLog) Notify(note notify.Notification) {
	n.mu.Lock()
	n.notes = append(n.notes, note)
	n.mu.Unlock()
}

func (n *noteLog) all() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notification(nil), n.notes...)
}

// stopCounter counts teardown calls.
type stopCounter struct {
	mu sync.Mutex
	n  int
}

func (s *stopCounter) Stop() {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
}

func (s *stopCounter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

type testManager struct {
	*manager
	loop     *eventloop.Loop
	dispatch *dispatchLog
	notes    *noteLog
	stopper  *stopCounter

	mu     sync.Mutex
	events []Event
}

func newTestManager(t *testing.T, cfg ManagerConfig) *testManager {
	t.Helper()
	loop := eventloop.New(eventloop.DefaultConfig(), slog.Default())
	tm := &testManager{
		loop:     loop,
		dispatch: &dispatchLog{},
		notes:    &noteLog{},
		stopper:  &stopCounter{},
	}
	tm.manager = newManager(cfg, loop, tm.dispatch, tm.notes, nil, tm.stopper)
	tm.Subscribe(func(ev Event) {
		tm.mu.Lock()
		tm.events = append(tm.events, ev)
		tm.mu.Unlock()
	})
	return tm
}

func (tm *testManager) start(t *testing.T) {
	t.Helper()
	if err := tm.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		tm.Stop(ctx)
	})
}

func (tm *testManager) count(kind EventKind) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	n := 0
	for _, ev := range tm.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// onLoop runs fn on the event loop and waits for it. Because the loop is
// FIFO, every task posted earlier has completed when onLoop returns.
func (tm *testManager) onLoop(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	if !tm.loop.Post(func() {
		fn()
		close(done)
	}) {
		t.Fatal("loop closed")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for loop")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// -----------------------------------------------------------------------------
// Fake client
// -----------------------------------------------------------------------------

type fakeClient struct {
	id     string
	events Events

	mu     sync.Mutex
	state  State
	closes int
}

func (f *fakeClient) ID() string { return f.id }

func (f *fakeClient) Open(context.Context) {
	f.mu.Lock()
	f.state = StateConnecting
	f.mu.Unlock()
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.closes++
	f.state = StateClosed
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Send([]byte) error { return ErrNotConnected }

func (f *fakeClient) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeClient) open() {
	f.mu.Lock()
	f.state = StateOpen
	f.mu.Unlock()
	f.events.OnOpen()
}

func (f *fakeClient) fail(err error) {
	f.mu.Lock()
	f.state = StateClosed
	f.mu.Unlock()
	f.events.OnError(err)
	f.events.OnClose(err)
}

func (f *fakeClient) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeClient
}

func (d *fakeDialer) newClient(_ ClientConfig, events Events, _ *slog.Logger) Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeClient{id: string(rune('a' + len(d.clients))), events: events, state: StateIdle}
	d.clients = append(d.clients, c)
	return c
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) get(i int) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[i]
}

func newFakeManager(t *testing.T, rc reconnect.Config) (*testManager, *fakeDialer) {
	t.Helper()
	cfg := DefaultManagerConfig()
	cfg.Reconnect = rc
	tm := newTestManager(t, cfg)
	d := &fakeDialer{}
	tm.newClient = d.newClient
	tm.start(t)
	waitFor(t, "first client", func() bool { return d.count() == 1 })
	return tm, d
}

// -----------------------------------------------------------------------------
// Guard and lifecycle (fake transport)
// -----------------------------------------------------------------------------

func TestManager_ConnectIsNoOpWhileInFlight(t *testing.T) {
	tm, d := newFakeManager(t, reconnect.DefaultConfig())

	tm.Connect()
	tm.Connect()
	tm.onLoop(t, func() {})

	if d.count() != 1 {
		t.Errorf("clients = %d, want 1 while an attempt is in flight", d.count())
	}
}

func TestManager_GuardClearedAfterEachOutcome(t *testing.T) {
	tests := []struct {
		name    string
		trigger func(c *fakeClient)
	}{
		{"open", func(c *fakeClient) { c.open() }},
		{"error", func(c *fakeClient) { c.events.OnError(errors.New("boom")) }},
		{"close", func(c *fakeClient) { c.events.OnClose(nil) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm, d := newFakeManager(t, reconnect.Config{
				BaseDelay: time.Hour, Multiplier: 2, MaxDelay: time.Hour, MaxAttempts: 10,
			})

			var before bool
			tm.onLoop(t, func() { before = tm.connecting })
			if !before {
				t.Fatal("guard should be set while connecting")
			}

			tt.trigger(d.get(0))

			var after bool
			tm.onLoop(t, func() { after = tm.connecting })
			if after {
				t.Errorf("guard still set after %s", tt.name)
			}
		})
	}
}

func TestManager_OpenResetsAttempts(t *testing.T) {
	tm, d := newFakeManager(t, fastReconnect(10))

	d.get(0).fail(errors.New("refused"))
	waitFor(t, "retry client", func() bool { return d.count() == 2 })
	tm.onLoop(t, func() {})
	if got := tm.Stats().Attempts; got != 1 {
		t.Errorf("Attempts = %d, want 1", got)
	}

	d.get(1).open()
	tm.onLoop(t, func() {})

	stats := tm.Stats()
	if stats.Attempts != 0 {
		t.Errorf("Attempts after open = %d, want 0", stats.Attempts)
	}
	if stats.State != StateOpen {
		t.Errorf("State = %v, want open", stats.State)
	}
	if tm.count(EventConnected) != 1 {
		t.Errorf("EventConnected = %d, want 1", tm.count(EventConnected))
	}
}

func TestManager_OpenCancelsPendingRetry(t *testing.T) {
	tm, d := newFakeManager(t, reconnect.Config{
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    time.Second,
		MaxAttempts: 10,
	})

	d.get(0).fail(errors.New("refused"))
	waitFor(t, "disconnect", func() bool { return tm.count(EventDisconnected) == 1 })

	// Connect ahead of the armed retry and succeed.
	tm.Connect()
	waitFor(t, "second client", func() bool { return d.count() == 2 })
	d.get(1).open()

	var pending bool
	tm.onLoop(t, func() { pending = tm.scheduler.Pending() })
	if pending {
		t.Error("retry still armed after open")
	}

	time.Sleep(300 * time.Millisecond)
	tm.onLoop(t, func() {})

	if got := d.count(); got != 2 {
		t.Errorf("clients = %d, want 2", got)
	}
	if got := d.get(1).closeCount(); got != 0 {
		t.Errorf("open client closed %d times, want 0", got)
	}
	stats := tm.Stats()
	if stats.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", stats.Attempts)
	}
	if stats.State != StateOpen {
		t.Errorf("State = %v, want open", stats.State)
	}
}

func TestManager_IgnoresSupersededClient(t *testing.T) {
	tm, d := newFakeManager(t, fastReconnect(10))

	first := d.get(0)
	first.open()
	tm.onLoop(t, func() {})

	// A manual retry while open replaces the connection.
	tm.Retry()
	waitFor(t, "replacement client", func() bool { return d.count() == 2 })
	if first.closeCount() != 1 {
		t.Errorf("previous client closed %d times, want 1", first.closeCount())
	}

	// The old client's late close must not schedule anything.
	first.events.OnClose(nil)

	var pending, connecting bool
	tm.onLoop(t, func() {
		pending = tm.scheduler.Pending()
		connecting = tm.connecting
	})
	if pending {
		t.Error("superseded close scheduled a reconnect")
	}
	if !connecting {
		t.Error("superseded close cleared the guard of the live attempt")
	}
	if tm.count(EventDisconnected) != 0 {
		t.Errorf("EventDisconnected = %d, want 0", tm.count(EventDisconnected))
	}
}

func TestManager_GiveUpAfterCap(t *testing.T) {
	tm, d := newFakeManager(t, fastReconnect(3))

	for i := 0; i < 4; i++ {
		waitFor(t, "client", func() bool { return d.count() == i+1 })
		d.get(i).fail(errors.New("refused"))
	}

	waitFor(t, "give-up", func() bool { return tm.Stats().GaveUp })
	time.Sleep(50 * time.Millisecond)

	if d.count() != 4 {
		t.Errorf("clients = %d, want 4 (initial + 3 retries)", d.count())
	}
	if tm.count(EventGaveUp) != 1 {
		t.Errorf("EventGaveUp = %d, want 1", tm.count(EventGaveUp))
	}

	notes := tm.notes.all()
	if len(notes) != 1 {
		t.Fatalf("notifications = %+v, want one", notes)
	}
	if notes[0].Message != GiveUpMessage || !notes[0].Persistent || notes[0].Kind != notify.KindError {
		t.Errorf("give-up notification = %+v", notes[0])
	}

	// Manual retry starts over.
	tm.Retry()
	waitFor(t, "manual retry", func() bool { return d.count() == 5 })
	if tm.Stats().GaveUp {
		t.Error("GaveUp still set after Retry")
	}
}

func TestManager_StopCancelsPendingReconnect(t *testing.T) {
	tm, d := newFakeManager(t, reconnect.Config{
		BaseDelay: 50 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, MaxAttempts: 10,
	})

	d.get(0).fail(errors.New("refused"))
	waitFor(t, "disconnect", func() bool { return tm.count(EventDisconnected) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tm.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if d.count() != 1 {
		t.Errorf("clients = %d after Stop, want 1", d.count())
	}
	if tm.stopper.count() != 1 {
		t.Errorf("stoppers called %d times, want 1", tm.stopper.count())
	}
	if tm.Stats().State != StateClosed {
		t.Errorf("State = %v, want closed", tm.Stats().State)
	}
}

func TestManager_StopClosesOpenClient(t *testing.T) {
	tm, d := newFakeManager(t, fastReconnect(10))
	d.get(0).open()
	tm.onLoop(t, func() {})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tm.Stop(ctx)

	if d.get(0).closeCount() != 1 {
		t.Errorf("client closed %d times, want 1", d.get(0).closeCount())
	}
	if err := tm.Stop(ctx); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}
}

func TestManager_StopBeforeStart(t *testing.T) {
	tm := newTestManager(t, DefaultManagerConfig())
	if err := tm.Stop(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop before Start = %v, want ErrNotStarted", err)
	}
}

// -----------------------------------------------------------------------------
// Real transport
// -----------------------------------------------------------------------------

func TestManager_MalformedFrameKeepsConnection(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"docker_event","data":{}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`this is not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"data":{}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"container_restarted","data":{}}`))
		drain(conn)
	})
	defer server.Close()

	cfg := DefaultManagerConfig()
	cfg.Client = testClientConfig(wsURL(server))
	tm := newTestManager(t, cfg)
	tm.start(t)

	waitFor(t, "two envelopes", func() bool { return len(tm.dispatch.types()) == 2 })

	got := tm.dispatch.types()
	if got[0] != "docker_event" || got[1] != "container_restarted" {
		t.Errorf("dispatched = %v", got)
	}

	stats := tm.Stats()
	if stats.ParseErrors != 2 {
		t.Errorf("ParseErrors = %d, want 2", stats.ParseErrors)
	}
	if stats.FramesReceived != 4 {
		t.Errorf("FramesReceived = %d, want 4", stats.FramesReceived)
	}
	if stats.State != StateOpen {
		t.Errorf("State = %v, want open", stats.State)
	}
	if tm.count(EventDisconnected) != 0 {
		t.Error("malformed frame closed the connection")
	}
}

func TestManager_EnvelopeCarriesConnID(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"docker_event"}`))
		drain(conn)
	})
	defer server.Close()

	cfg := DefaultManagerConfig()
	cfg.Client = testClientConfig(wsURL(server))
	tm := newTestManager(t, cfg)
	tm.start(t)

	waitFor(t, "envelope", func() bool { return len(tm.dispatch.types()) == 1 })

	tm.dispatch.mu.Lock()
	env := tm.dispatch.envs[0]
	tm.dispatch.mu.Unlock()
	if env.ConnID == "" || env.ConnID != tm.Stats().ConnID {
		t.Errorf("ConnID = %q, want %q", env.ConnID, tm.Stats().ConnID)
	}
	if env.ReceivedAt.IsZero() {
		t.Error("ReceivedAt should be set")
	}
}

func TestManager_ReconnectsAfterServerDrop(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	server := mockWSServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()
		if n == 1 {
			return // drop the first connection immediately
		}
		drain(conn)
	})
	defer server.Close()

	cfg := DefaultManagerConfig()
	cfg.Client = testClientConfig(wsURL(server))
	cfg.Reconnect = fastReconnect(10)
	tm := newTestManager(t, cfg)
	tm.start(t)

	waitFor(t, "second open", func() bool { return tm.count(EventConnected) == 2 })

	stats := tm.Stats()
	if stats.Attempts != 0 {
		t.Errorf("Attempts = %d after reconnect, want 0", stats.Attempts)
	}
	if stats.Opens != 2 {
		t.Errorf("Opens = %d, want 2", stats.Opens)
	}
	if tm.count(EventReconnecting) < 1 {
		t.Error("expected a reconnecting event")
	}
}

func TestManager_GivesUpAgainstDeadServer(t *testing.T) {
	server := mockWSServer(t, drain)
	url := wsURL(server)
	server.Close()

	cfg := DefaultManagerConfig()
	cfg.Client = testClientConfig(url)
	cfg.Reconnect = fastReconnect(2)
	tm := newTestManager(t, cfg)
	tm.start(t)

	waitFor(t, "give-up", func() bool { return tm.count(EventGaveUp) == 1 })
	time.Sleep(50 * time.Millisecond)

	stats := tm.Stats()
	if stats.Connects != 3 {
		t.Errorf("Connects = %d, want 3", stats.Connects)
	}
	if tm.count(EventError) != 3 {
		t.Errorf("EventError = %d, want 3", tm.count(EventError))
	}
}

func TestEventKind_String(t *testing.T) {
	if EventGaveUp.String() != "gave_up" {
		t.Errorf("EventGaveUp.String() = %q", EventGaveUp.String())
	}
	if EventKind(99).String() != "unknown" {
		t.Errorf("EventKind(99).String() = %q", EventKind(99).String())
	}
}
