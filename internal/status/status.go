// Package status implements the HTTP status endpoint (spec §6) and a
// liveness probe, shaped after the teacher's internal/health/health.go
// Checker/ServeHTTP pattern.
package status

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/beetle-rb/redis-coordinator/internal/coordinator"
)

// Coordinator is the subset of coordinator.Coordinator the status
// server needs.
type Coordinator interface {
	Status() coordinator.Snapshot
	Reconfigure()
}

// unresponsiveEntry is one entry of the status report's
// unresponsive_clients list (spec §6).
type unresponsiveEntry struct {
	ID       string    `json:"id"`
	LastSeen time.Time `json:"last_seen"`
}

// Report is the JSON body served at /status (spec §6).
type Report struct {
	ConfiguredClientIDs []string            `json:"configured_client_ids"`
	UnknownClientIDs    []string            `json:"unknown_client_ids"`
	UnresponsiveClients []unresponsiveEntry `json:"unresponsive_clients"`
	CurrentMaster       string              `json:"current_master"`
	CurrentToken        int64               `json:"current_token"`
	State               string              `json:"state"`
}

// Server serves the status and health HTTP surface.
type Server struct {
	coord Coordinator
	addr  string
}

// New builds a Server bound to addr.
func New(coord Coordinator, addr string) *Server {
	return &Server{coord: coord, addr: addr}
}

// Handler builds the status/health/reconfigure mux, exposed
// separately from ListenAndServe so tests can exercise it without
// binding a real port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		snap := s.coord.Status()

		unresponsive := make([]unresponsiveEntry, 0, len(snap.Unresponsive))
		for _, u := range snap.Unresponsive {
			unresponsive = append(unresponsive, unresponsiveEntry{ID: u.ID, LastSeen: u.LastSeen})
		}

		report := Report{
			ConfiguredClientIDs: orEmpty(snap.ConfiguredClientIDs),
			UnknownClientIDs:    orEmpty(snap.UnknownClientIDs),
			UnresponsiveClients: unresponsive,
			CurrentMaster:       snap.CurrentMaster,
			CurrentToken:        int64(snap.CurrentToken),
			State:               snap.State.String(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("/reconfigure", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.coord.Reconfigure()
		w.WriteHeader(http.StatusAccepted)
	})

	return mux
}

// ListenAndServe starts the HTTP server in the background and returns
// the *http.Server for the caller to shut down.
func (s *Server) ListenAndServe() *http.Server {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("[status] HTTP server listening on %s", s.addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[status] HTTP server error: %v", err)
		}
	}()

	return server
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
