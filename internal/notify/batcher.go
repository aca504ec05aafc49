package notify

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/rickgao/fleetsync/internal/eventloop"
)

// BatchRestartSuccess collects container names restarted by the backend's
// auto-restart policy.
const BatchRestartSuccess = "restart-success"

// maxListedNames is how many names an aggregate message spells out.
const maxListedNames = 3

// Formatter turns the names collected for one batch into a notification.
type Formatter func(names []string) Notification

// BatchConfig configures a Batcher.
type BatchConfig struct {
	QuietPeriod time.Duration // Silence required before a batch is flushed
}

// DefaultBatchConfig returns sensible defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		QuietPeriod: 2 * time.Second,
	}
}

// pendingBatch is the state for one batch kind between flushes.
type pendingBatch struct {
	names []string
	timer eventloop.Slot
}

// Batcher debounces repeated events of the same kind: every Accumulate
// restarts the kind's quiet-period timer, and when the timer finally fires
// exactly one aggregate notification is emitted. A Batcher is confined to
// the event loop.
type Batcher struct {
	cfg      BatchConfig
	timers   eventloop.Scheduler
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	batches    map[string]*pendingBatch
	formatters map[string]Formatter

	flushed int64
}

// NewBatcher creates a Batcher that emits through notifier.
func NewBatcher(cfg BatchConfig, timers eventloop.Scheduler, notifier Notifier, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = Discard
	}
	return &Batcher{
		cfg:      cfg,
		timers:   timers,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		batches:  make(map[string]*pendingBatch),
		formatters: map[string]Formatter{
			BatchRestartSuccess: FormatRestartSuccess,
		},
	}
}

// SetFormatter overrides how a batch kind is rendered.
func (b *Batcher) SetFormatter(kind string, f Formatter) {
	b.formatters[kind] = f
}

// Accumulate adds name to the batch for kind and restarts its quiet period.
func (b *Batcher) Accumulate(kind, name string) {
	batch, ok := b.batches[kind]
	if !ok {
		batch = &pendingBatch{}
		b.batches[kind] = batch
	}
	batch.names = append(batch.names, name)
	batch.timer.Reset(b.timers, b.cfg.QuietPeriod, func() {
		b.flush(kind)
	})

	b.logger.Debug("notification batched",
		"batch", kind,
		"name", name,
		"pending", len(batch.names),
	)
}

// Flush emits the batch for kind immediately. It reports whether anything
// was pending.
func (b *Batcher) Flush(kind string) bool {
	batch, ok := b.batches[kind]
	if !ok {
		return false
	}
	batch.timer.Stop()
	return b.flush(kind)
}

// Pending returns the names collected for kind since the last flush.
func (b *Batcher) Pending(kind string) []string {
	batch, ok := b.batches[kind]
	if !ok {
		return nil
	}
	out := make([]string, len(batch.names))
	copy(out, batch.names)
	return out
}

// Flushed returns the number of aggregate notifications emitted.
func (b *Batcher) Flushed() int64 {
	return b.flushed
}

// Stop cancels every outstanding quiet-period timer and discards the
// pending names.
func (b *Batcher) Stop() {
	for kind, batch := range b.batches {
		batch.timer.Stop()
		if len(batch.names) > 0 {
			b.logger.Debug("discarding batched notifications",
				"batch", kind,
				"count", len(batch.names),
			)
		}
		delete(b.batches, kind)
	}
}

// flush emits one notification for kind and clears its batch.
func (b *Batcher) flush(kind string) bool {
	batch, ok := b.batches[kind]
	delete(b.batches, kind)
	if !ok || len(batch.names) == 0 {
		return false
	}

	format, ok := b.formatters[kind]
	if !ok {
		format = genericFormatter(kind)
	}

	n := format(batch.names)
	if n.At.IsZero() {
		n.At = b.now()
	}
	b.flushed++
	b.notifier.Notify(n)

	b.logger.Debug("notification batch flushed",
		"batch", kind,
		"count", len(batch.names),
	)
	return true
}

// FormatRestartSuccess renders auto-restart successes:
//
//	1 name:  "Successfully restarted web1"
//	2-3:     "Successfully restarted web1, web2, web3"
//	more:    "Successfully restarted web1, web2, web3 and 2 more"
func FormatRestartSuccess(names []string) Notification {
	return Notification{
		Message: "Successfully restarted " + JoinNames(names),
		Kind:    KindSuccess,
	}
}

// JoinNames comma-joins up to three names and summarises the rest as
// "and N more".
func JoinNames(names []string) string {
	if len(names) <= maxListedNames {
		return strings.Join(names, ", ")
	}
	rest := len(names) - maxListedNames
	return strings.Join(names[:maxListedNames], ", ") + " and " + strconv.Itoa(rest) + " more"
}

func genericFormatter(kind string) Formatter {
	return func(names []string) Notification {
		return Notification{
			Message: kind + ": " + JoinNames(names),
			Kind:    KindInfo,
		}
	}
}
