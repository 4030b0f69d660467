package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delete outcomes reported by the sink.
const (
	DeleteOK      = "ok"
	DeleteError   = "error"
	DeleteDropped = "dropped"
)

// Prometheus holds the service collectors. A nil *Prometheus is valid and
// records nothing.
type Prometheus struct {
	registry      *prometheus.Registry
	events        *prometheus.CounterVec
	swept         prometheus.Counter
	sweepDuration prometheus.Histogram
	deletes       *prometheus.CounterVec
}

// NewPrometheus registers collectors on a fresh registry, prefixed by service.
func NewPrometheus(service string) *Prometheus {
	ns := strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(service)
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: ns + "_events_received_total",
				Help: "Inbound events by tracking result",
			},
			[]string{"result"},
		),
		swept: factory.NewCounter(
			prometheus.CounterOpts{
				Name: ns + "_records_swept_total",
				Help: "Records removed from the store by sweeps",
			},
		),
		sweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    ns + "_sweep_duration_seconds",
				Help:    "Duration of store sweeps",
				Buckets: prometheus.DefBuckets,
			},
		),
		deletes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: ns + "_sink_deletes_total",
				Help: "Deletion requests by outcome",
			},
			[]string{"result"},
		),
	}
}

func (p *Prometheus) ObserveEvent(tracked bool) {
	if p == nil {
		return
	}
	result := "ignored"
	if tracked {
		result = "tracked"
	}
	p.events.WithLabelValues(result).Inc()
}

func (p *Prometheus) ObserveSweep(removed int, d time.Duration) {
	if p == nil {
		return
	}
	p.swept.Add(float64(removed))
	p.sweepDuration.Observe(d.Seconds())
}

func (p *Prometheus) ObserveDelete(result string) {
	if p == nil {
		return
	}
	p.deletes.WithLabelValues(result).Inc()
}

// Gatherer exposes the underlying registry.
func (p *Prometheus) Gatherer() prometheus.Gatherer {
	return p.registry
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (p *Prometheus) Serve(ctx context.Context, addr string, logger *log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
