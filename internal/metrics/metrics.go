// Package metrics exposes enforcement counters to prometheus.
package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// Monitor loop
	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "applimit_ticks_total",
			Help: "Periodic enforcement ticks processed",
		},
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applimit_events_total",
			Help: "Events processed by the monitor loop",
		},
		[]string{"kind"},
	)

	HandlerPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "applimit_handler_panics_total",
			Help: "Monitor handlers that panicked and were recovered",
		},
	)

	TrackedPackages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "applimit_tracked_packages",
			Help: "Packages with an enforced daily limit",
		},
	)

	// Oracle and probes
	QueryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applimit_query_failures_total",
			Help: "Failed oracle or foreground queries",
		},
		[]string{"source", "kind"},
	)

	// Blocks
	BlocksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "applimit_blocks_total",
			Help: "Block sessions presented",
		},
	)

	BlockFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applimit_block_failures_total",
			Help: "Block decisions that could not be presented",
		},
		[]string{"kind"},
	)

	DismissalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applimit_dismissals_total",
			Help: "Block sessions torn down, by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		EventsTotal,
		HandlerPanics,
		TrackedPackages,
		QueryFailures,
		BlocksTotal,
		BlockFailures,
		DismissalsTotal,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   *zap.Logger
	listener net.Listener // Optional pre-created listener (systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With(zap.String("component", "metrics")),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start serves in the background.
func (s *Server) Start() {
	s.logger.Info("starting metrics server", zap.String("addr", s.server.Addr))
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info("stopping metrics server")
	return s.server.Close()
}
