package state

import "time"

// -----------------------------------------------------------------------------
// Fleet Types
// -----------------------------------------------------------------------------

// Host is a Docker host monitored by the dashboard.
type Host struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`                   // Docker endpoint (unix:// or tcp://)
	Status    string    `json:"status"`                // "online", "offline", "error"
	Error     string    `json:"error,omitempty"`       // Last connection error, if any
	Tags      []string  `json:"tags,omitempty"`        // Free-form labels
	LastCheck time.Time `json:"last_checked,omitzero"` // Last time the backend polled the host
}

// Online reports whether the backend currently reaches this host.
func (h Host) Online() bool {
	return h.Status == "online"
}

// Container is a container running (or stopped) on a host.
type Container struct {
	ID           string            `json:"id"` // Full container id
	ShortID      string            `json:"short_id"`
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	State        string            `json:"state"`  // "running", "exited", "paused", "restarting"
	Status       string            `json:"status"` // Human readable, e.g. "Up 3 hours"
	HostID       int64             `json:"host_id"`
	HostName     string            `json:"host_name"`
	AutoRestart  bool              `json:"auto_restart"`
	RestartCount int               `json:"restart_count"`
	Tags         []string          `json:"tags,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Created      time.Time         `json:"created,omitzero"`
}

// Running reports whether the container is up.
func (c Container) Running() bool {
	return c.State == "running"
}

// Settings is the global dashboard configuration.
type Settings struct {
	MaxRestartAttempts    int      `json:"max_restart_attempts"`
	RestartDelaySeconds   int      `json:"restart_delay"`
	PollingIntervalSecs   int      `json:"polling_interval"`
	AlertCooldownMinutes  int      `json:"alert_cooldown_minutes"`
	Timezone              string   `json:"timezone,omitempty"`
	ShowHostStats         bool     `json:"show_host_stats"`
	ShowContainerStats    bool     `json:"show_container_stats"`
	BlackoutWindows       []Window `json:"blackout_windows,omitempty"`
	AutoRestartExclusions []string `json:"auto_restart_exclusions,omitempty"`
}

// Window is a recurring maintenance window during which alerts are
// suppressed.
type Window struct {
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Days      []int  `json:"days"`       // 0 = Monday
	StartTime string `json:"start_time"` // "HH:MM"
	EndTime   string `json:"end_time"`   // "HH:MM"
}

// AlertRule triggers notifications when a container changes state.
type AlertRule struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	Enabled                bool     `json:"enabled"`
	TriggerStates          []string `json:"trigger_states"`
	ContainerPattern       string   `json:"container_pattern,omitempty"`
	HostID                 *int64   `json:"host_id,omitempty"`
	NotifyChannels         []int64  `json:"notify_channels,omitempty"`
	CooldownMinutes        int      `json:"cooldown_minutes"`
	SuppressDuringBlackout bool     `json:"suppress_during_blackout"`
}

// -----------------------------------------------------------------------------
// Metric Types
// -----------------------------------------------------------------------------

// ScopeKind is what a metrics sample describes.
type ScopeKind string

const (
	ScopeHost      ScopeKind = "host"
	ScopeContainer ScopeKind = "container"
)

// Scope identifies the subject of a metrics sample.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// String returns "host:<id>" or "container:<id>".
func (s Scope) String() string {
	return string(s.Kind) + ":" + s.ID
}

// MetricSample is one resource usage reading for a host or container.
type MetricSample struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	MemoryUsage    float64 `json:"memory_usage"` // MiB
	MemoryLimit    float64 `json:"memory_limit"` // MiB
	NetRxBytes     int64   `json:"net_rx,omitempty"`
	NetTxBytes     int64   `json:"net_tx,omitempty"`
	ContainerCount int     `json:"container_count,omitempty"` // Host samples only
}
