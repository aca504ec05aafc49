package connection

import (
	"errors"
	"time"

	"github.com/rickgao/fleetsync/internal/reconnect"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrNotStarted      = errors.New("manager not started")
)

// State is the lifecycle state of one connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL, e.g. ws://dashboard.local:5000/ws
	APIKey           string        // Sent as a bearer token when set
	HandshakeTimeout time.Duration // Dial and upgrade deadline
	PingInterval     time.Duration // Keepalive ping period
	ReadTimeout      time.Duration // No frame or pong within this window means stale
	WriteTimeout     time.Duration // Write deadline for sends and control frames
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Events are the transport callbacks of a Client. They are invoked from
// the client's own goroutines, never concurrently with each other, and
// always in the order open, message*, error?, close. Close fires exactly
// once per client that was opened.
type Events struct {
	OnOpen    func()
	OnMessage func(data []byte, receivedAt time.Time)
	OnError   func(err error)
	OnClose   func(err error) // nil error for a clean close
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Client    ClientConfig
	Reconnect reconnect.Config
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client:    DefaultClientConfig(),
		Reconnect: reconnect.DefaultConfig(),
	}
}

// EventKind is the type of a lifecycle event.
type EventKind int

const (
	EventConnecting EventKind = iota
	EventConnected
	EventError
	EventDisconnected
	EventReconnecting
	EventGaveUp
)

func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventError:
		return "error"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventGaveUp:
		return "gave_up"
	default:
		return "unknown"
	}
}

// Event is published to subscribers on every lifecycle transition.
type Event struct {
	Kind    EventKind
	ConnID  string
	Attempt int           // EventReconnecting and EventGaveUp
	Delay   time.Duration // EventReconnecting
	Err     error         // EventError and EventDisconnected
	At      time.Time
}

// ManagerStats contains runtime statistics.
type ManagerStats struct {
	State          State
	ConnID         string
	Attempts       int
	GaveUp         bool
	Connects       int64 // Clients created
	Opens          int64
	FramesReceived int64
	ParseErrors    int64
	LastOpenAt     time.Time
}
