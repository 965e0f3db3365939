package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/colorfulnotion/dynarec/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TelemetryServer exposes a registry on /metrics.
type TelemetryServer struct {
	addr     string
	listener net.Listener
	srv      *http.Server
}

// NewTelemetryServer creates a server that will listen on addr.
func NewTelemetryServer(addr string, gatherer prometheus.Gatherer) *TelemetryServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &TelemetryServer{
		addr: addr,
		srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
}

// Listen binds the address; Serve then blocks until Stop.
func (s *TelemetryServer) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	log.Info(log.CmdMonitoring, "metrics server listening", "addr", listener.Addr().String())
	return nil
}

// Addr is the bound address, valid after Listen.
func (s *TelemetryServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *TelemetryServer) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down.
func (s *TelemetryServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
