// Package httpd exposes a worker's per-host debug introspection
// endpoint, routed with gorilla/mux: the stats graph's Prometheus
// metrics at /metrics, a small JSON summary of the block pool's pinned
// and resident bytes at /debug/pool, and /healthz. There is no JSON
// view of the DIA graph itself.
package httpd

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowbase/flowbase/block"
	"github.com/flowbase/flowbase/stats"
)

// Server is the debug HTTP endpoint for one worker process.
type Server struct {
	router *mux.Router
	pool   *block.Pool
	graph  *stats.Graph
}

// New builds a Server serving pool's and graph's state.
func New(pool *block.Pool, graph *stats.Graph) *Server {
	s := &Server{router: mux.NewRouter(), pool: pool, graph: graph}
	s.router.Handle("/metrics", promhttp.HandlerFor(graph.Registry(), promhttp.HandlerOpts{}))
	s.router.HandleFunc("/debug/pool", s.handlePool).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type poolSummary struct {
	PinnedBytes   int64 `json:"pinned_bytes"`
	ResidentBytes int64 `json:"resident_bytes"`
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	summary := poolSummary{
		PinnedBytes:   s.pool.PinnedBytes(),
		ResidentBytes: s.pool.ResidentBytes(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
