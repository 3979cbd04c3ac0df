package metrics

import (
	"context"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the /metrics endpoint on its own listener, independent of
// the main REST server, so scraping never competes with request handling.
type Server struct {
	server *http.Server
	log    logr.Logger
}

func NewServer(addr string, log logr.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		log:    log,
	}
}

// StartAsync begins serving in a background goroutine. Listener errors other
// than a clean shutdown are logged, not returned, since the caller has
// already moved on.
func (s *Server) StartAsync() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error(err, "metrics server stopped unexpectedly")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
