package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rickgao/fleetsync/internal/connection"
	"github.com/rickgao/fleetsync/internal/journal"
	"github.com/rickgao/fleetsync/internal/router"
	"github.com/rickgao/fleetsync/internal/state"
	"github.com/rickgao/fleetsync/internal/version"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type connStatser interface {
	Stats() connection.ManagerStats
}

type routerStatser interface {
	Stats() router.Stats
}

// healthSources are the components reported on /health. journal and db
// are nil when the journal is disabled.
type healthSources struct {
	conn    connStatser
	mirror  *state.Mirror
	router  routerStatser
	journal *journal.Writer
	db      pinger
}

// newHealthServer returns the health server for port, or nil when port is
// not positive.
func newHealthServer(port int, src healthSources) *http.Server {
	if port <= 0 {
		return nil
	}
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           newHealthHandler(src),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func healthURL(port int) string {
	return fmt.Sprintf("http://localhost:%d/health", port)
}

type healthResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	Components map[string]any `json:"components"`
}

// newHealthHandler creates the HTTP handler for health checks. Status is
// "healthy" while connected, "degraded" while reconnecting, and
// "unhealthy" after giving up or when the journal database is down.
func newHealthHandler(src healthSources) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := healthResponse{
			Status:     "healthy",
			Version:    version.String(),
			Components: make(map[string]any),
		}

		// Connection
		cs := src.conn.Stats()
		conn := map[string]any{
			"state":    cs.State.String(),
			"conn_id":  cs.ConnID,
			"attempts": cs.Attempts,
			"connects": cs.Connects,
			"frames":   cs.FramesReceived,
			"invalid":  cs.ParseErrors,
			"gave_up":  cs.GaveUp,
		}
		if !cs.LastOpenAt.IsZero() {
			conn["last_open_at"] = cs.LastOpenAt.UTC().Format(time.RFC3339)
		}
		health.Components["connection"] = conn
		switch {
		case cs.GaveUp:
			health.Status = "unhealthy"
		case cs.State != connection.StateOpen:
			health.Status = "degraded"
		}

		// State mirror
		if src.mirror != nil {
			snap := src.mirror.Snapshot()
			health.Components["state"] = map[string]any{
				"version":     snap.Version,
				"hosts":       len(snap.Hosts),
				"containers":  len(snap.Containers),
				"alert_rules": len(snap.AlertRules),
			}
		}

		// Router
		if src.router != nil {
			rs := src.router.Stats()
			health.Components["router"] = map[string]any{
				"dispatched":     rs.Dispatched,
				"unknown":        rs.Unknown,
				"dropped":        rs.Dropped,
				"decode_errors":  rs.DecodeErrors,
				"handler_errors": rs.HandlerErrors,
				"by_type":        rs.DispatchedKind,
			}
		}

		// Journal
		if src.journal != nil {
			js := src.journal.Stats()
			jc := map[string]any{
				"received": js.Received,
				"inserted": js.Inserts,
				"errors":   js.Errors,
				"pending":  js.Pending,
			}
			if src.db != nil {
				if err := src.db.Ping(ctx); err != nil {
					health.Status = "unhealthy"
					jc["database"] = map[string]string{"status": "disconnected", "error": err.Error()}
				} else {
					jc["database"] = "connected"
				}
			}
			health.Components["journal"] = jc
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/state", func(w http.ResponseWriter, r *http.Request) {
		if src.mirror == nil {
			http.NotFound(w, r)
			return
		}
		snap := src.mirror.Snapshot()

		// Limit containers to first 100 for debugging
		containers := snap.Containers
		limit := 100
		if len(containers) > limit {
			containers = containers[:limit]
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"version":    snap.Version,
			"hosts":      snap.Hosts,
			"count":      len(snap.Containers),
			"showing":    len(containers),
			"containers": containers,
			"settings":   snap.Settings,
		})
	})

	return mux
}
