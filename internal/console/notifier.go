package console

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rickgao/fleetsync/internal/notify"
)

const timeLayout = "15:04:05"

// Notifier prints one line per notification.
type Notifier struct {
	mu     sync.Mutex
	w      io.Writer
	styles Styles
	count  int64
}

// NewNotifier creates a Notifier writing to w.
func NewNotifier(w io.Writer) *Notifier {
	return &Notifier{w: w, styles: NewStyles(w)}
}

// Notify implements notify.Notifier.
func (n *Notifier) Notify(note notify.Notification) {
	at := note.At
	if at.IsZero() {
		at = time.Now()
	}
	style, marker := n.styles.ForKind(note.Kind)

	line := n.styles.Time.Render(at.Format(timeLayout)) + " " + style.Render(marker+" "+note.Message)
	if note.Persistent {
		line += " " + n.styles.Dim.Render("(retry with SIGUSR1)")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
	fmt.Fprintln(n.w, line)
}

// Count returns how many notifications were printed.
func (n *Notifier) Count() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}
