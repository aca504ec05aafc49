// Package router dispatches inbound envelopes to the state mirror, the
// notification batcher, and externally registered handlers.
package router

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/rickgao/fleetsync/internal/notify"
	"github.com/rickgao/fleetsync/internal/state"
)

// Hooks are the rendering callbacks the router drives. Nil fields are
// skipped. All hooks run on the event loop and must not block.
type Hooks struct {
	FullRender            func(snap *state.Snapshot)
	MetricsUpdate         func(scope state.Scope, sample state.MetricSample)
	RefetchHosts          func()
	RefetchContainers     func()
	RefreshBlackoutBanner func(status BlackoutStatus)
}

// Accumulator collects names for a debounced notification.
type Accumulator interface {
	Accumulate(batch, name string)
}

// Handler receives every envelope after built-in handling.
type Handler interface {
	HandleEnvelope(env Envelope) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(env Envelope) error

func (f HandlerFunc) HandleEnvelope(env Envelope) error {
	return f(env)
}

// Stats contains runtime statistics. Safe to read from any goroutine.
type Stats struct {
	Dispatched     int64
	Unknown        int64
	Dropped        int64 // Envelopes without a type
	DecodeErrors   int64
	HandlerErrors  int64
	HandlerPanics  int64
	Handlers       int
	DispatchedKind map[string]int64
}

type registered struct {
	name    string
	handler Handler
}

// Router is confined to the event loop, except Stats.
type Router struct {
	mirror   *state.Mirror
	batcher  Accumulator
	notifier notify.Notifier
	hooks    Hooks
	logger   *slog.Logger

	handlers []registered

	dispatched    atomic.Int64
	unknown       atomic.Int64
	dropped       atomic.Int64
	decodeErrors  atomic.Int64
	handlerErrors atomic.Int64
	handlerPanics atomic.Int64
	handlerCount  atomic.Int64
	byKind        [kindCount]atomic.Int64
}

// New creates a Router that installs state into mirror, batches restart
// successes through batcher, and shows immediate messages via notifier.
func New(mirror *state.Mirror, batcher Accumulator, notifier notify.Notifier, hooks Hooks, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Discard
	}
	return &Router{
		mirror:   mirror,
		batcher:  batcher,
		notifier: notifier,
		hooks:    hooks,
		logger:   logger.With("component", "router"),
	}
}

// Register appends h to the external handlers. Handlers run in
// registration order and cannot be removed.
func (r *Router) Register(name string, h Handler) {
	r.handlers = append(r.handlers, registered{name: name, handler: h})
	r.handlerCount.Store(int64(len(r.handlers)))
	r.logger.Debug("handler registered", "handler", name, "position", len(r.handlers))
}

// Dispatch applies the built-in effect of env and then fans it out to every
// registered handler. It never panics and never returns an error: failures
// are logged and counted.
func (r *Router) Dispatch(env Envelope) {
	if env.Type == "" {
		r.dropped.Add(1)
		r.logger.Warn("dropping envelope", "error", ErrMissingType)
		return
	}
	if env.Kind == KindUnknown || env.Kind >= kindCount {
		env.Kind = ParseKind(env.Type)
	}

	r.dispatched.Add(1)
	r.byKind[env.Kind].Add(1)

	r.runBuiltin(env)
	r.fanOut(env)
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	byKind := make(map[string]int64, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		if n := r.byKind[k].Load(); n > 0 {
			byKind[k.String()] = n
		}
	}
	return Stats{
		Dispatched:     r.dispatched.Load(),
		Unknown:        r.unknown.Load(),
		Dropped:        r.dropped.Load(),
		DecodeErrors:   r.decodeErrors.Load(),
		HandlerErrors:  r.handlerErrors.Load(),
		HandlerPanics:  r.handlerPanics.Load(),
		Handlers:       int(r.handlerCount.Load()),
		DispatchedKind: byKind,
	}
}

func (r *Router) runBuiltin(env Envelope) {
	defer func() {
		if p := recover(); p != nil {
			r.handlerPanics.Add(1)
			r.logger.Error("built-in handler panicked",
				"type", env.Type,
				"panic", fmt.Sprint(p),
			)
		}
	}()

	if err := builtin[env.Kind](r, env); err != nil {
		r.decodeErrors.Add(1)
		r.logger.Warn("failed to handle envelope",
			"type", env.Type,
			"error", err,
		)
	}
}

func (r *Router) fanOut(env Envelope) {
	for _, reg := range r.handlers {
		r.invoke(reg, env)
	}
}

// invoke runs one external handler, isolating errors and panics.
func (r *Router) invoke(reg registered, env Envelope) {
	defer func() {
		if p := recover(); p != nil {
			r.handlerPanics.Add(1)
			r.logger.Error("handler panicked",
				"handler", reg.name,
				"type", env.Type,
				"panic", fmt.Sprint(p),
			)
		}
	}()

	if err := reg.handler.HandleEnvelope(env); err != nil {
		r.handlerErrors.Add(1)
		r.logger.Warn("handler failed",
			"handler", reg.name,
			"type", env.Type,
			"error", err,
		)
	}
}

// -----------------------------------------------------------------------------
// Built-in handling
// -----------------------------------------------------------------------------

// builtin has one entry per Kind.
var builtin = [kindCount]func(r *Router, env Envelope) error{
	KindUnknown:               (*Router).handleUnknown,
	KindInitialState:          (*Router).handleInitialState,
	KindContainersUpdate:      (*Router).handleContainersUpdate,
	KindHostAdded:             (*Router).handleHostAdded,
	KindHostRemoved:           (*Router).handleHostRemoved,
	KindAutoRestartSuccess:    (*Router).handleAutoRestartSuccess,
	KindAutoRestartFailed:     (*Router).handleAutoRestartFailed,
	KindContainerRestarted:    (*Router).handleContainerRestarted,
	KindBlackoutStatusChanged: (*Router).handleBlackoutStatusChanged,
	KindDockerEvent:           (*Router).handleDockerEvent,
}

func (r *Router) handleUnknown(env Envelope) error {
	r.unknown.Add(1)
	r.logger.Debug("unhandled message type", "type", env.Type)
	return nil
}

func (r *Router) handleInitialState(env Envelope) error {
	var p InitialState
	if err := decodeData(env, &p); err != nil {
		return err
	}

	snap := r.mirror.ReplaceAll(p.Hosts, p.Containers, p.Settings, p.AlertRules)
	r.logger.Info("initial state received",
		"hosts", len(snap.Hosts),
		"containers", len(snap.Containers),
		"alert_rules", len(snap.AlertRules),
		"version", snap.Version,
	)

	if r.hooks.FullRender != nil {
		r.hooks.FullRender(snap)
	}
	return nil
}

func (r *Router) handleContainersUpdate(env Envelope) error {
	var p ContainersUpdate
	if err := decodeData(env, &p); err != nil {
		return err
	}

	r.mirror.ReplaceFleet(p.Hosts, p.Containers)

	if r.hooks.MetricsUpdate == nil {
		return nil
	}
	for _, id := range sortedKeys(p.HostMetrics) {
		r.hooks.MetricsUpdate(state.Scope{Kind: state.ScopeHost, ID: id}, p.HostMetrics[id])
	}
	for _, id := range sortedKeys(p.ContainerMetrics) {
		r.hooks.MetricsUpdate(state.Scope{Kind: state.ScopeContainer, ID: id}, p.ContainerMetrics[id])
	}
	return nil
}

func (r *Router) handleHostAdded(env Envelope) error {
	return r.hostChanged(env, "added")
}

func (r *Router) handleHostRemoved(env Envelope) error {
	return r.hostChanged(env, "removed")
}

func (r *Router) hostChanged(env Envelope, verb string) error {
	var p HostChange
	if err := decodeData(env, &p); err != nil {
		return err
	}

	r.logger.Info("host "+verb, "host_id", p.HostID, "host_name", p.HostName)

	if r.hooks.RefetchHosts != nil {
		r.hooks.RefetchHosts()
	}
	if r.hooks.RefetchContainers != nil {
		r.hooks.RefetchContainers()
	}

	// The refetch lands later, so the mirror still holds the host here.
	name := p.HostName
	if name == "" {
		if h, ok := r.mirror.HostByID(p.HostID); ok {
			name = h.Name
		}
	}
	if name == "" {
		name = fmt.Sprintf("#%d", p.HostID)
	}
	msg := fmt.Sprintf("Host %s %s", name, verb)
	if verb == "removed" {
		if n := len(r.mirror.ContainersOnHost(p.HostID)); n > 0 {
			msg += fmt.Sprintf(" with %d containers", n)
		}
	}
	r.notify(msg, notify.KindInfo)
	return nil
}

func (r *Router) handleAutoRestartSuccess(env Envelope) error {
	var p RestartResult
	if err := decodeData(env, &p); err != nil {
		return err
	}
	name := p.name()
	if name == "" {
		return fmt.Errorf("%s: missing container name", env.Type)
	}
	if r.batcher != nil {
		r.batcher.Accumulate(notify.BatchRestartSuccess, name)
	}
	return nil
}

func (r *Router) handleAutoRestartFailed(env Envelope) error {
	var p RestartResult
	if err := decodeData(env, &p); err != nil {
		return err
	}

	msg := fmt.Sprintf("Failed to restart %s after %d attempts", p.name(), p.Attempts)
	if p.Error != "" {
		msg += ": " + p.Error
	}
	r.notify(msg, notify.KindError)
	return nil
}

func (r *Router) handleContainerRestarted(env Envelope) error {
	var p ContainerRestarted
	if err := decodeData(env, &p); err != nil {
		return err
	}

	name := p.ContainerName
	if name == "" {
		name = p.ContainerID
	}
	r.notify(fmt.Sprintf("Container %s restarted", name), notify.KindInfo)
	return nil
}

func (r *Router) handleBlackoutStatusChanged(env Envelope) error {
	var p BlackoutStatus
	if err := decodeData(env, &p); err != nil {
		return err
	}

	r.logger.Info("blackout status changed", "active", p.Active, "window", p.Window)
	if r.hooks.RefreshBlackoutBanner != nil {
		r.hooks.RefreshBlackoutBanner(p)
	}
	return nil
}

// handleDockerEvent does nothing; docker events exist for external handlers.
func (r *Router) handleDockerEvent(Envelope) error {
	return nil
}

func (r *Router) notify(msg string, kind notify.Kind) {
	r.notifier.Notify(notify.Notification{Message: msg, Kind: kind})
}

func sortedKeys(m map[string]state.MetricSample) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
