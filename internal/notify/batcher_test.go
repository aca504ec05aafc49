package notify

import (
	"testing"
	"time"

	"github.com/rickgao/fleetsync/internal/eventloop"
)

// recorder collects notifications for assertions.
type recorder struct {
	got []Notification
}

func (r *recorder) Notify(n Notification) {
	r.got = append(r.got, n)
}

func newTestBatcher() (*Batcher, *eventloop.ManualClock, *recorder) {
	clock := eventloop.NewManualClock()
	rec := &recorder{}
	b := NewBatcher(DefaultBatchConfig(), clock, rec, nil)
	return b, clock, rec
}

func TestDefaultBatchConfig(t *testing.T) {
	cfg := DefaultBatchConfig()
	if cfg.QuietPeriod != 2*time.Second {
		t.Errorf("QuietPeriod = %v, want 2s", cfg.QuietPeriod)
	}
}

func TestBatcher_SingleName(t *testing.T) {
	b, clock, rec := newTestBatcher()

	b.Accumulate(BatchRestartSuccess, "web1")

	clock.Advance(1999 * time.Millisecond)
	if len(rec.got) != 0 {
		t.Fatalf("notified before quiet period elapsed: %+v", rec.got)
	}

	clock.Advance(time.Millisecond)
	if len(rec.got) != 1 {
		t.Fatalf("got %d notifications, want 1", len(rec.got))
	}
	if rec.got[0].Message != "Successfully restarted web1" {
		t.Errorf("Message = %q", rec.got[0].Message)
	}
	if rec.got[0].Kind != KindSuccess {
		t.Errorf("Kind = %q, want success", rec.got[0].Kind)
	}
	if rec.got[0].At.IsZero() {
		t.Error("At should be stamped")
	}
}

func TestBatcher_BurstYieldsOneNotification(t *testing.T) {
	b, clock, rec := newTestBatcher()

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		b.Accumulate(BatchRestartSuccess, name)
		clock.Advance(500 * time.Millisecond)
	}

	if len(rec.got) != 0 {
		t.Fatalf("notified during burst: %+v", rec.got)
	}

	clock.Advance(2 * time.Second)

	if len(rec.got) != 1 {
		t.Fatalf("got %d notifications, want 1", len(rec.got))
	}
	want := "Successfully restarted a, b, c and 2 more"
	if rec.got[0].Message != want {
		t.Errorf("Message = %q, want %q", rec.got[0].Message, want)
	}
}

func TestBatcher_EachAccumulateRestartsQuietPeriod(t *testing.T) {
	b, clock, rec := newTestBatcher()

	b.Accumulate(BatchRestartSuccess, "a")
	clock.Advance(1900 * time.Millisecond)
	b.Accumulate(BatchRestartSuccess, "b")
	clock.Advance(1900 * time.Millisecond)

	if len(rec.got) != 0 {
		t.Fatalf("quiet period was not restarted: %+v", rec.got)
	}
	if clock.Pending() != 1 {
		t.Errorf("Pending timers = %d, want 1", clock.Pending())
	}

	clock.Advance(100 * time.Millisecond)
	if len(rec.got) != 1 || rec.got[0].Message != "Successfully restarted a, b" {
		t.Errorf("got %+v", rec.got)
	}
}

func TestBatcher_BatchClearedAfterFlush(t *testing.T) {
	b, clock, rec := newTestBatcher()

	b.Accumulate(BatchRestartSuccess, "a")
	clock.Advance(2 * time.Second)
	b.Accumulate(BatchRestartSuccess, "b")
	clock.Advance(2 * time.Second)

	if len(rec.got) != 2 {
		t.Fatalf("got %d notifications, want 2", len(rec.got))
	}
	if rec.got[1].Message != "Successfully restarted b" {
		t.Errorf("second Message = %q, want only names since last flush", rec.got[1].Message)
	}
	if b.Pending(BatchRestartSuccess) != nil {
		t.Error("batch should be empty after flush")
	}
	if b.Flushed() != 2 {
		t.Errorf("Flushed() = %d, want 2", b.Flushed())
	}
}

func TestBatcher_KindsAreIndependent(t *testing.T) {
	b, clock, rec := newTestBatcher()

	b.Accumulate(BatchRestartSuccess, "a")
	clock.Advance(time.Second)
	b.Accumulate("host-online", "node1")
	clock.Advance(time.Second)

	if len(rec.got) != 1 || rec.got[0].Message != "Successfully restarted a" {
		t.Fatalf("got %+v, want only the restart batch", rec.got)
	}

	clock.Advance(time.Second)
	if len(rec.got) != 2 || rec.got[1].Message != "host-online: node1" {
		t.Errorf("got %+v, want generic batch message", rec.got)
	}
}

func TestBatcher_DuplicatesKept(t *testing.T) {
	b, clock, rec := newTestBatcher()

	b.Accumulate(BatchRestartSuccess, "web")
	b.Accumulate(BatchRestartSuccess, "web")
	clock.Advance(2 * time.Second)

	if rec.got[0].Message != "Successfully restarted web, web" {
		t.Errorf("Message = %q", rec.got[0].Message)
	}
}

func TestBatcher_Flush(t *testing.T) {
	b, clock, rec := newTestBatcher()

	if b.Flush(BatchRestartSuccess) {
		t.Error("Flush on empty batch should return false")
	}

	b.Accumulate(BatchRestartSuccess, "a")
	if got := b.Pending(BatchRestartSuccess); len(got) != 1 || got[0] != "a" {
		t.Errorf("Pending() = %v, want [a]", got)
	}
	if !b.Flush(BatchRestartSuccess) {
		t.Error("Flush should return true")
	}
	if len(rec.got) != 1 {
		t.Fatalf("got %d notifications, want 1", len(rec.got))
	}

	clock.Advance(time.Minute)
	if len(rec.got) != 1 {
		t.Errorf("timer still fired after Flush: %+v", rec.got)
	}
}

func TestBatcher_StopCancelsAllTimers(t *testing.T) {
	b, clock, rec := newTestBatcher()

	b.Accumulate(BatchRestartSuccess, "a")
	b.Accumulate("other", "x")
	b.Stop()

	if clock.Pending() != 0 {
		t.Errorf("Pending timers = %d after Stop, want 0", clock.Pending())
	}
	clock.Advance(time.Minute)
	if len(rec.got) != 0 {
		t.Errorf("notified after Stop: %+v", rec.got)
	}
}

func TestBatcher_SetFormatter(t *testing.T) {
	b, clock, rec := newTestBatcher()
	b.SetFormatter("custom", func(names []string) Notification {
		return Notification{Message: "custom " + JoinNames(names), Kind: KindWarning}
	})

	b.Accumulate("custom", "x")
	clock.Advance(2 * time.Second)

	if rec.got[0].Message != "custom x" || rec.got[0].Kind != KindWarning {
		t.Errorf("got %+v", rec.got[0])
	}
}

func TestFormatRestartSuccess(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{[]string{"web1"}, "Successfully restarted web1"},
		{[]string{"a", "b"}, "Successfully restarted a, b"},
		{[]string{"a", "b", "c"}, "Successfully restarted a, b, c"},
		{[]string{"a", "b", "c", "d"}, "Successfully restarted a, b, c and 1 more"},
		{[]string{"a", "b", "c", "d", "e"}, "Successfully restarted a, b, c and 2 more"},
	}

	for _, tt := range tests {
		got := FormatRestartSuccess(tt.names).Message
		if got != tt.want {
			t.Errorf("FormatRestartSuccess(%v) = %q, want %q", tt.names, got, tt.want)
		}
	}
}

func TestNotifierFunc(t *testing.T) {
	var got Notification
	var n Notifier = NotifierFunc(func(x Notification) { got = x })
	n.Notify(Notification{Message: "hi"})
	if got.Message != "hi" {
		t.Errorf("NotifierFunc did not forward: %+v", got)
	}
}
