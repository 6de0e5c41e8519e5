// Package server provides HTTP server construction for plantsync.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/plantsync/internal/auth"
	"github.com/alexjbarnes/plantsync/internal/engine"
)

// StateFunc reports the engine's sync state. (*engine.Engine).Snapshot
// satisfies it without a network probe.
type StateFunc func(ctx context.Context) (engine.SyncState, error)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Users      auth.UserCredentials
	MCPHandler http.Handler
	State      StateFunc
	Logger     *slog.Logger
}

// statusResponse is the JSON body of /status.
type statusResponse struct {
	Reachable bool       `json:"reachable"`
	Pending   int        `json:"pending"`
	Rejected  int        `json:"rejected"`
	Draining  bool       `json:"draining"`
	LastDrain *time.Time `json:"last_drain,omitempty"`
	Degraded  bool       `json:"degraded,omitempty"`
}

// NewMux builds the HTTP mux. /healthz is open for process supervisors;
// /status and the MCP endpoint require basic auth.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	})

	authMiddleware := auth.Middleware(cfg.Users, cfg.Logger)
	mux.Handle("GET /status", authMiddleware(handleStatus(cfg.State, cfg.Logger)))
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}

func handleStatus(state StateFunc, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("status requested",
			slog.String("user", auth.RequestUserID(r.Context())),
			slog.String("ip", auth.RequestRemoteIP(r.Context())),
		)

		st, err := state(r.Context())
		if err != nil {
			logger.Error("reading sync state", slog.String("error", err.Error()))
			http.Error(w, "sync state unavailable", http.StatusServiceUnavailable)

			return
		}

		resp := statusResponse{
			Reachable: st.Reachable,
			Pending:   st.Pending,
			Rejected:  len(st.Rejected),
			Draining:  st.Draining,
			Degraded:  st.Degraded,
		}

		if !st.LastDrain.IsZero() {
			t := st.LastDrain.UTC()
			resp.LastDrain = &t
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")

		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Debug("writing status response", slog.String("error", err.Error()))
		}
	}
}
