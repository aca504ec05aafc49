// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Keeps at most one WebSocket connection to the dashboard backend in
//     the connecting or open state
//   - Parses every inbound frame into an envelope and hands it to the router
//   - Reconnects with bounded exponential backoff after a drop
//   - Gives up after the attempt cap and waits for a manual retry
//
// All manager state lives on the event loop. The Client runs its own read
// and ping goroutines and reports back through callbacks that the manager
// posts onto the loop.
package connection
