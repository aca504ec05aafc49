// Package state holds the domain model of the monitored fleet and the
// StateMirror, the client's last-known-good copy of server-owned state.
//
// The mirror has four slots:
//   - hosts
//   - containers
//   - settings
//   - alert rules
//
// Each slot is replaced wholesale, never patched. The whole snapshot is
// immutable and published with a single atomic pointer swap, so a reader on
// any goroutine sees either the old or the new value of a slot, never a mix.
package state
