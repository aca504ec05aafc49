// Package journal records every dispatched envelope to PostgreSQL.
//
// The Writer is registered with the router as an external handler. It
// copies each envelope into an unbounded queue on the event loop and
// inserts rows from its own goroutine, so a slow database never stalls
// dispatch. Rows are append-only:
//
//	sync_events(id, received_at, conn_id, type, data)
package journal
