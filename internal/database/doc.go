// Package database opens the PostgreSQL pool used by the envelope journal.
//
// The journal is optional; nothing here is touched unless
// journal.enabled is set.
package database
