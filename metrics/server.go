package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes a Metrics set's registry on GET /metrics. Grounded on
// knative-pkg's observability/metrics/prometheus.Server, trimmed to this
// module's single listen-address config and its own *prometheus.Registry
// rather than the default global one.
type Server struct {
	http *http.Server
}

// NewServer builds a Server bound to addr that serves reg's families.
func NewServer(addr string, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// ListenAndServe blocks serving metrics until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
