// Package notify defines user-facing notifications and the batcher that
// coalesces bursts of similar events into one message.
package notify

import "time"

// Kind is the severity of a notification.
type Kind string

const (
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

// Notification is one message shown to the user.
type Notification struct {
	Message    string
	Kind       Kind
	Persistent bool // Stays visible until dismissed (terminal failures)
	At         time.Time
}

// Notifier shows notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc is a function adapter for Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) {
	f(n)
}

// Discard is a Notifier that drops everything.
var Discard Notifier = NotifierFunc(func(Notification) {})
