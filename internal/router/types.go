package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/fleetsync/internal/state"
)

// ErrMissingType is returned for frames that decode but carry no "type".
var ErrMissingType = errors.New("envelope has no type")

// Kind is the dispatch tag of an envelope.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInitialState
	KindContainersUpdate
	KindHostAdded
	KindHostRemoved
	KindAutoRestartSuccess
	KindAutoRestartFailed
	KindContainerRestarted
	KindBlackoutStatusChanged
	KindDockerEvent

	kindCount
)

// kindNames holds the wire name of every kind. Index is the Kind value.
var kindNames = [kindCount]string{
	KindUnknown:               "unknown",
	KindInitialState:          "initial_state",
	KindContainersUpdate:      "containers_update",
	KindHostAdded:             "host_added",
	KindHostRemoved:           "host_removed",
	KindAutoRestartSuccess:    "auto_restart_success",
	KindAutoRestartFailed:     "auto_restart_failed",
	KindContainerRestarted:    "container_restarted",
	KindBlackoutStatusChanged: "blackout_status_changed",
	KindDockerEvent:           "docker_event",
}

var kindByName = func() map[string]Kind {
	m := make(map[string]Kind, kindCount)
	for k := KindUnknown + 1; k < kindCount; k++ {
		m[kindNames[k]] = k
	}
	return m
}()

// ParseKind maps a wire type to its Kind. Unrecognized types map to
// KindUnknown.
func ParseKind(s string) Kind {
	return kindByName[s]
}

// String returns the wire name of k.
func (k Kind) String() string {
	if k >= kindCount {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// Kinds returns every known kind, excluding KindUnknown.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount-1)
	for k := KindUnknown + 1; k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// Envelope is one inbound frame: a type tag and its undecoded payload.
type Envelope struct {
	Kind       Kind
	Type       string          // Wire type as received
	Data       json.RawMessage // Kind-specific payload, may be empty
	ConnID     string          // Connection the frame arrived on
	ReceivedAt time.Time
}

// envelopeWire is the frame format: {"type": "...", "data": {...}}.
type envelopeWire struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseEnvelope decodes one text frame. It fails for anything that is not
// a JSON object with a string "type".
func ParseEnvelope(frame []byte, receivedAt time.Time) (Envelope, error) {
	var wire envelopeWire
	if err := json.Unmarshal(frame, &wire); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if wire.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return Envelope{
		Kind:       ParseKind(wire.Type),
		Type:       wire.Type,
		Data:       wire.Data,
		ReceivedAt: receivedAt,
	}, nil
}

// -----------------------------------------------------------------------------
// Payloads
// -----------------------------------------------------------------------------

// InitialState is the payload of initial_state.
type InitialState struct {
	Hosts      []state.Host      `json:"hosts"`
	Containers []state.Container `json:"containers"`
	Settings   state.Settings    `json:"settings"`
	AlertRules []state.AlertRule `json:"alert_rules"`
}

// ContainersUpdate is the payload of containers_update. Metric maps are
// keyed by host id and container id.
type ContainersUpdate struct {
	Hosts            []state.Host                  `json:"hosts"`
	Containers       []state.Container             `json:"containers"`
	HostMetrics      map[string]state.MetricSample `json:"host_metrics,omitempty"`
	ContainerMetrics map[string]state.MetricSample `json:"container_metrics,omitempty"`
}

// HostChange is the payload of host_added and host_removed.
type HostChange struct {
	HostID   int64  `json:"host_id"`
	HostName string `json:"host_name"`
}

// RestartResult is the payload of auto_restart_success and
// auto_restart_failed.
type RestartResult struct {
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
	HostID        int64  `json:"host_id"`
	HostName      string `json:"host_name,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`     // Failed only
	MaxAttempts   int    `json:"max_attempts,omitempty"` // Failed only
	Error         string `json:"error,omitempty"`        // Failed only
}

// name returns the best label for the container.
func (r RestartResult) name() string {
	if r.ContainerName != "" {
		return r.ContainerName
	}
	if len(r.ContainerID) > 12 {
		return r.ContainerID[:12]
	}
	return r.ContainerID
}

// ContainerRestarted is the payload of container_restarted.
type ContainerRestarted struct {
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
	HostName      string `json:"host_name,omitempty"`
}

// BlackoutStatus is the payload of blackout_status_changed.
type BlackoutStatus struct {
	Active bool   `json:"is_blackout"`
	Window string `json:"current_window,omitempty"`
}

// decodeData unmarshals the envelope payload into v. An empty payload is
// an error because every built-in kind except docker_event has one.
func decodeData(env Envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%s: %w", env.Type, err)
	}
	return nil
}
