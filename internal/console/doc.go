// Package console renders the synchronized fleet state and notifications
// to a terminal.
//
// Notifier prints notifications. Renderer supplies the router hooks
// (full render, metrics, refetch, blackout banner) and a connection event
// observer. Output is styled with lipgloss; colors are dropped when the
// writer is not a terminal.
package console
