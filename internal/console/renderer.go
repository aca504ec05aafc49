package console

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/fleetsync/internal/connection"
	"github.com/rickgao/fleetsync/internal/router"
	"github.com/rickgao/fleetsync/internal/state"
)

// Fetcher loads fleet data over REST. *api.Client satisfies it.
type Fetcher interface {
	ListHosts(ctx context.Context) ([]state.Host, error)
	ListContainers(ctx context.Context) ([]state.Container, error)
	GetSettings(ctx context.Context) (state.Settings, error)
}

// Store receives refetched slots. *state.Mirror satisfies it.
type Store interface {
	ReplaceHosts(hosts []state.Host) *state.Snapshot
	ReplaceContainers(containers []state.Container) *state.Snapshot
	ReplaceSettings(settings state.Settings) *state.Snapshot
}

// Poster runs fn on the event loop. *eventloop.Loop satisfies it.
type Poster interface {
	Post(fn func()) bool
}

// RendererOption configures a Renderer.
type RendererOption func(*Renderer)

// WithStore installs refetch results into store. The install is posted to
// loop so the store is only mutated on the event loop.
func WithStore(loop Poster, store Store) RendererOption {
	return func(r *Renderer) {
		r.loop = loop
		r.store = store
	}
}

// RendererConfig holds renderer settings.
type RendererConfig struct {
	ShowMetrics    bool          // Print every metrics sample
	ShowHosts      bool          // List hosts on every full render
	RefetchTimeout time.Duration // Per REST refetch
}

// DefaultRendererConfig returns sensible defaults.
func DefaultRendererConfig() RendererConfig {
	return RendererConfig{
		ShowHosts:      true,
		RefetchTimeout: 10 * time.Second,
	}
}

// Renderer prints fleet state changes. The hook methods run on the event
// loop; refetches run on their own goroutines.
type Renderer struct {
	cfg     RendererConfig
	fetcher Fetcher
	logger  *slog.Logger
	styles  Styles

	loop  Poster
	store Store

	ctx context.Context

	wmu sync.Mutex
	w   io.Writer

	metricsMu sync.Mutex
	metrics   map[state.Scope]state.MetricSample

	hostsInFlight      atomic.Bool
	containersInFlight atomic.Bool
	settingsInFlight   atomic.Bool
	refetches          sync.WaitGroup
}

// NewRenderer creates a Renderer. fetcher may be nil, in which case
// refetch hooks only log. ctx bounds background refetches.
func NewRenderer(ctx context.Context, cfg RendererConfig, w io.Writer, fetcher Fetcher, logger *slog.Logger, opts ...RendererOption) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RefetchTimeout <= 0 {
		cfg.RefetchTimeout = DefaultRendererConfig().RefetchTimeout
	}
	r := &Renderer{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger.With("component", "console"),
		styles:  NewStyles(w),
		ctx:     ctx,
		w:       w,
		metrics: make(map[state.Scope]state.MetricSample),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Hooks returns router hooks bound to r.
func (r *Renderer) Hooks() router.Hooks {
	return router.Hooks{
		FullRender:            r.FullRender,
		MetricsUpdate:         r.MetricsUpdate,
		RefetchHosts:          r.RefetchHosts,
		RefetchContainers:     r.RefetchContainers,
		RefreshBlackoutBanner: r.RefreshBlackoutBanner,
	}
}

// FullRender prints a fleet summary.
func (r *Renderer) FullRender(snap *state.Snapshot) {
	if snap == nil {
		return
	}

	var b strings.Builder
	b.WriteString(r.styles.Header.Render(fleetSummary(snap.Hosts, snap.Containers)))
	if len(snap.AlertRules) > 0 {
		b.WriteString(r.styles.Dim.Render(fmt.Sprintf(", %d alert rules", len(snap.AlertRules))))
	}
	b.WriteByte('\n')

	if r.cfg.ShowHosts {
		perHost := make(map[int64][2]int, len(snap.Hosts))
		for _, c := range snap.Containers {
			n := perHost[c.HostID]
			n[0]++
			if c.Running() {
				n[1]++
			}
			perHost[c.HostID] = n
		}
		for _, h := range snap.Hosts {
			status := r.styles.Success.Render("online")
			if !h.Online() {
				status = r.styles.Error.Render(h.Status)
			}
			n := perHost[h.ID]
			fmt.Fprintf(&b, "  %-20s %s %s\n", h.Name, status,
				r.styles.Dim.Render(fmt.Sprintf("%d/%d running", n[1], n[0])))
		}
	}

	r.write(b.String())
}

// fleetSummary returns e.g. "3 hosts (2 online), 40 containers (38 running)".
func fleetSummary(hosts []state.Host, containers []state.Container) string {
	return hostSummary(hosts) + ", " + containerSummary(containers)
}

func hostSummary(hosts []state.Host) string {
	online := 0
	for _, h := range hosts {
		if h.Online() {
			online++
		}
	}
	return fmt.Sprintf("%d hosts (%d online)", len(hosts), online)
}

func containerSummary(containers []state.Container) string {
	running := 0
	for _, c := range containers {
		if c.Running() {
			running++
		}
	}
	return fmt.Sprintf("%d containers (%d running)", len(containers), running)
}

// MetricsUpdate records the latest sample for scope.
func (r *Renderer) MetricsUpdate(scope state.Scope, sample state.MetricSample) {
	r.metricsMu.Lock()
	r.metrics[scope] = sample
	r.metricsMu.Unlock()

	if r.cfg.ShowMetrics {
		r.write(r.styles.Dim.Render(fmt.Sprintf("%-24s cpu %5.1f%%  mem %5.1f%%",
			scope.String(), sample.CPUPercent, sample.MemoryPercent)) + "\n")
	}
}

// Metric returns the latest sample for scope.
func (r *Renderer) Metric(scope state.Scope) (state.MetricSample, bool) {
	r.metricsMu.Lock()
	defer r.metricsMu.Unlock()
	s, ok := r.metrics[scope]
	return s, ok
}

// RefetchHosts reloads hosts over REST in the background. A refetch that
// is already running absorbs the request.
func (r *Renderer) RefetchHosts() {
	r.refetch(&r.hostsInFlight, "hosts", func(ctx context.Context) (string, func(Store), error) {
		hosts, err := r.fetcher.ListHosts(ctx)
		if err != nil {
			return "", nil, err
		}
		return hostSummary(hosts), func(s Store) { s.ReplaceHosts(hosts) }, nil
	})
}

// RefetchContainers reloads containers over REST in the background.
func (r *Renderer) RefetchContainers() {
	r.refetch(&r.containersInFlight, "containers", func(ctx context.Context) (string, func(Store), error) {
		containers, err := r.fetcher.ListContainers(ctx)
		if err != nil {
			return "", nil, err
		}
		return containerSummary(containers), func(s Store) { s.ReplaceContainers(containers) }, nil
	})
}

// RefetchSettings reloads the settings record, which carries the blackout
// windows, in the background.
func (r *Renderer) RefetchSettings() {
	r.refetch(&r.settingsInFlight, "settings", func(ctx context.Context) (string, func(Store), error) {
		settings, err := r.fetcher.GetSettings(ctx)
		if err != nil {
			return "", nil, err
		}
		summary := fmt.Sprintf("settings (%d blackout windows)", len(settings.BlackoutWindows))
		return summary, func(s Store) { s.ReplaceSettings(settings) }, nil
	})
}

// refetch runs fetch on its own goroutine. On success the summary is printed
// and the result is posted to the loop for installation.
func (r *Renderer) refetch(inFlight *atomic.Bool, what string, fetch func(ctx context.Context) (string, func(Store), error)) {
	if r.fetcher == nil {
		r.logger.Debug("refetch skipped, no api client", "what", what)
		return
	}
	if !inFlight.CompareAndSwap(false, true) {
		return
	}

	r.refetches.Add(1)
	go func() {
		defer r.refetches.Done()
		defer inFlight.Store(false)

		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.RefetchTimeout)
		defer cancel()

		summary, install, err := fetch(ctx)
		if err != nil {
			r.logger.Warn("refetch failed", "what", what, "error", err)
			return
		}
		r.write(r.styles.Dim.Render("refetched "+summary) + "\n")
		r.install(what, install)
	}()
}

func (r *Renderer) install(what string, install func(Store)) {
	if r.store == nil || r.loop == nil {
		return
	}
	store := r.store
	if !r.loop.Post(func() { install(store) }) {
		r.logger.Debug("refetch result dropped, loop closed", "what", what)
	}
}

// SnapshotChanged re-renders the fleet after a refetch replaced hosts or
// containers. Pass it to state.Mirror.Subscribe. SlotAll is rendered by the
// FullRender hook and SlotFleet is a metrics tick.
func (r *Renderer) SnapshotChanged(snap *state.Snapshot, changed state.Slot) {
	switch changed {
	case state.SlotHosts, state.SlotContainers:
		r.FullRender(snap)
	case state.SlotSettings:
		r.logger.Debug("settings replaced", "version", snap.Version,
			"blackout_windows", len(snap.Settings.BlackoutWindows))
	}
}

// Wait blocks until background refetches finish.
func (r *Renderer) Wait() {
	r.refetches.Wait()
}

// RefreshBlackoutBanner prints the alert suppression banner and reloads the
// settings so the mirrored blackout windows follow the server.
func (r *Renderer) RefreshBlackoutBanner(status router.BlackoutStatus) {
	r.RefetchSettings()
	if !status.Active {
		r.write(r.styles.Dim.Render("Blackout window ended, alerts resumed") + "\n")
		return
	}
	msg := "Blackout window active, alerts suppressed"
	if status.Window != "" {
		msg = fmt.Sprintf("Blackout window %q active, alerts suppressed", status.Window)
	}
	r.write(r.styles.Banner.Render(msg) + "\n")
}

// ConnectionEvent prints connection lifecycle changes. Pass it to
// connection.Manager.Subscribe.
func (r *Renderer) ConnectionEvent(ev connection.Event) {
	var line string
	switch ev.Kind {
	case connection.EventConnecting:
		msg := "connecting"
		if ev.Attempt > 0 {
			msg = fmt.Sprintf("connecting (retry %d)", ev.Attempt)
		}
		line = r.styles.Dim.Render(msg)
	case connection.EventConnected:
		line = r.styles.Success.Render("● connected")
	case connection.EventDisconnected:
		line = r.styles.Warning.Render("○ disconnected")
	case connection.EventReconnecting:
		line = r.styles.Dim.Render(fmt.Sprintf("reconnecting in %s (retry %d)", ev.Delay, ev.Attempt))
	default:
		// Errors are logged by the manager; give-up arrives as a notification.
		return
	}
	r.write(line + "\n")
}

func (r *Renderer) write(s string) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	io.WriteString(r.w, s)
}
