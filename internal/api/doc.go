// Package api provides the REST client for the fleet dashboard backend.
//
// The WebSocket feed carries full fleet snapshots, but host_added and
// host_removed only announce a change. The console refetches hosts and
// containers through this client when they arrive.
//
// Endpoints:
//   - GET /api/hosts
//   - GET /api/containers
//   - GET /api/settings
package api
