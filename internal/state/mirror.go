package state

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Slot names one replaceable part of the snapshot.
type Slot uint8

const (
	SlotHosts Slot = 1 << iota
	SlotContainers
	SlotSettings
	SlotAlertRules

	SlotFleet = SlotHosts | SlotContainers
	SlotAll   = SlotHosts | SlotContainers | SlotSettings | SlotAlertRules
)

// Has reports whether s includes every slot in other.
func (s Slot) Has(other Slot) bool {
	return s&other == other
}

// String returns a readable list of the slots in s.
func (s Slot) String() string {
	if s == 0 {
		return "none"
	}
	names := []struct {
		slot Slot
		name string
	}{
		{SlotHosts, "hosts"},
		{SlotContainers, "containers"},
		{SlotSettings, "settings"},
		{SlotAlertRules, "alert_rules"},
	}
	out := ""
	for _, n := range names {
		if s.Has(n.slot) {
			if out != "" {
				out += ","
			}
			out += n.name
		}
	}
	return out
}

// Snapshot is an immutable view of the mirrored server state. Slices are
// shared between snapshots and must not be modified by readers.
type Snapshot struct {
	Version    uint64
	Hosts      []Host
	Containers []Container
	Settings   Settings
	AlertRules []AlertRule
}

// Observer is told about every published snapshot and which slots changed.
type Observer func(snap *Snapshot, changed Slot)

// Mirror is the last-known-good copy of server state. Reads are safe from
// any goroutine. Mutators are meant for the message router only and must be
// called from the event loop.
type Mirror struct {
	current atomic.Pointer[Snapshot]

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObsID int
}

// NewMirror creates an empty mirror at version 0.
func NewMirror() *Mirror {
	m := &Mirror{
		observers: make(map[int]Observer),
	}
	m.current.Store(&Snapshot{})
	return m
}

// Snapshot returns the current snapshot.
func (m *Mirror) Snapshot() *Snapshot {
	return m.current.Load()
}

// Version returns the number of publishes so far.
func (m *Mirror) Version() uint64 {
	return m.current.Load().Version
}

// Hosts returns the current host list.
func (m *Mirror) Hosts() []Host {
	return m.current.Load().Hosts
}

// Containers returns the current container list.
func (m *Mirror) Containers() []Container {
	return m.current.Load().Containers
}

// Settings returns the current settings.
func (m *Mirror) Settings() Settings {
	return m.current.Load().Settings
}

// AlertRules returns the current alert rules.
func (m *Mirror) AlertRules() []AlertRule {
	return m.current.Load().AlertRules
}

// HostByID looks up a host in the current snapshot.
func (m *Mirror) HostByID(id int64) (Host, bool) {
	for _, h := range m.current.Load().Hosts {
		if h.ID == id {
			return h, true
		}
	}
	return Host{}, false
}

// ContainersOnHost returns the containers of one host, in snapshot order.
func (m *Mirror) ContainersOnHost(hostID int64) []Container {
	var out []Container
	for _, c := range m.current.Load().Containers {
		if c.HostID == hostID {
			out = append(out, c)
		}
	}
	return out
}

// ReplaceAll installs every slot at once.
func (m *Mirror) ReplaceAll(hosts []Host, containers []Container, settings Settings, rules []AlertRule) *Snapshot {
	return m.publish(SlotAll, func(next *Snapshot) {
		next.Hosts = slices.Clone(hosts)
		next.Containers = slices.Clone(containers)
		next.Settings = settings
		next.AlertRules = slices.Clone(rules)
	})
}

// ReplaceFleet installs the hosts and containers slots together.
func (m *Mirror) ReplaceFleet(hosts []Host, containers []Container) *Snapshot {
	return m.publish(SlotFleet, func(next *Snapshot) {
		next.Hosts = slices.Clone(hosts)
		next.Containers = slices.Clone(containers)
	})
}

// ReplaceHosts installs the hosts slot.
func (m *Mirror) ReplaceHosts(hosts []Host) *Snapshot {
	return m.publish(SlotHosts, func(next *Snapshot) {
		next.Hosts = slices.Clone(hosts)
	})
}

// ReplaceContainers installs the containers slot.
func (m *Mirror) ReplaceContainers(containers []Container) *Snapshot {
	return m.publish(SlotContainers, func(next *Snapshot) {
		next.Containers = slices.Clone(containers)
	})
}

// ReplaceSettings installs the settings slot.
func (m *Mirror) ReplaceSettings(settings Settings) *Snapshot {
	return m.publish(SlotSettings, func(next *Snapshot) {
		next.Settings = settings
	})
}

// ReplaceAlertRules installs the alert rules slot.
func (m *Mirror) ReplaceAlertRules(rules []AlertRule) *Snapshot {
	return m.publish(SlotAlertRules, func(next *Snapshot) {
		next.AlertRules = slices.Clone(rules)
	})
}

// Subscribe registers fn for every future publish. The returned func
// removes the subscription.
func (m *Mirror) Subscribe(fn Observer) (unsubscribe func()) {
	m.obsMu.Lock()
	id := m.nextObsID
	m.nextObsID++
	m.observers[id] = fn
	m.obsMu.Unlock()

	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

// publish builds the next snapshot from the current one, swaps it in and
// notifies observers in subscription order.
func (m *Mirror) publish(changed Slot, apply func(next *Snapshot)) *Snapshot {
	prev := m.current.Load()
	next := *prev
	next.Version = prev.Version + 1
	apply(&next)
	m.current.Store(&next)

	m.obsMu.Lock()
	ids := make([]int, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	observers := make([]Observer, 0, len(ids))
	for _, id := range ids {
		observers = append(observers, m.observers[id])
	}
	m.obsMu.Unlock()

	for _, fn := range observers {
		fn(&next, changed)
	}
	return &next
}
