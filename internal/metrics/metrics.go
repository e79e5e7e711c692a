// Package metrics exposes batch progress as Prometheus metrics.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shpitdev/soldcomp/internal/record"
	"go.uber.org/zap"
)

// Metrics holds the collectors for one process. Each instance owns its
// registry so tests do not collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	outcomes       *prometheus.CounterVec
	searchAttempts *prometheus.CounterVec
	searchDuration *prometheus.HistogramVec
	waitSeconds    prometheus.Histogram
	profitMinor    prometheus.Counter
	pending        prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		outcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soldcomp_outcomes_total",
				Help: "Finalized records by outcome kind",
			},
			[]string{"kind", "error_kind"},
		),
		searchAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soldcomp_search_attempts_total",
				Help: "Marketplace search attempts by classified fault",
			},
			[]string{"fault"},
		),
		searchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "soldcomp_search_attempt_duration_seconds",
				Help:    "Duration of one marketplace search attempt",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"fault"},
		),
		waitSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "soldcomp_pacer_wait_seconds",
			Help:    "Time spent waiting before each search attempt",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 30, 60},
		}),
		profitMinor: f.NewCounter(prometheus.CounterOpts{
			Name: "soldcomp_profit_minor_total",
			Help: "Sum of positive profit across priced records, in source minor units",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "soldcomp_records_pending",
			Help: "Records not yet finalized in the current run",
		}),
	}
}

// ObserveAttempt implements market.Observer.
func (m *Metrics) ObserveAttempt(fault string, elapsed time.Duration) {
	m.searchAttempts.WithLabelValues(fault).Inc()
	m.searchDuration.WithLabelValues(fault).Observe(elapsed.Seconds())
}

// ObserveWait implements market.Observer.
func (m *Metrics) ObserveWait(wait time.Duration) {
	m.waitSeconds.Observe(wait.Seconds())
}

// SetPending sets the number of records left in the run.
func (m *Metrics) SetPending(n int) {
	m.pending.Set(float64(n))
}

// ObserveOutcome counts a finalized record.
func (m *Metrics) ObserveOutcome(o record.Outcome) {
	m.outcomes.WithLabelValues(string(o.Kind), string(o.ErrorKind)).Inc()
	m.pending.Dec()
	if o.Pricing != nil && o.Pricing.ProfitMinor > 0 {
		m.profitMinor.Add(float64(o.Pricing.ProfitMinor))
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Router serves /metrics and /healthz.
func (m *Metrics) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	return r
}

// Serve runs the metrics server on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	srv := &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("metrics server listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
