// Package metrics exposes Prometheus collectors for crawl runs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Recorder owns the crawl collectors. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	coordinates   *prometheus.CounterVec
	rowsInserted  *prometheus.CounterVec
	rowsRejected  *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchBytes    *prometheus.CounterVec
	activeWorkers prometheus.Gauge
}

// New registers the collectors against reg, or the default registerer when
// reg is nil.
func New(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		coordinates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portalsync_coordinates_total",
			Help: "Coordinates processed, partitioned by vendor, subject and outcome.",
		}, []string{"vendor", "subject", "outcome"}),
		rowsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portalsync_rows_inserted_total",
			Help: "Rows appended to destination tables.",
		}, []string{"vendor", "subject"}),
		rowsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portalsync_rows_rejected_total",
			Help: "Rows skipped because a value did not fit its column type.",
		}, []string{"vendor", "subject"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "portalsync_fetch_duration_seconds",
			Help:    "Fetch duration including retries, partitioned by vendor and result.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"vendor", "result"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portalsync_fetch_bytes_total",
			Help: "Response bytes downloaded per vendor.",
		}, []string{"vendor"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portalsync_active_workers",
			Help: "Workers currently processing a coordinate.",
		}),
	}
	for _, c := range []prometheus.Collector{
		r.coordinates,
		r.rowsInserted,
		r.rowsRejected,
		r.fetchDuration,
		r.fetchBytes,
		r.activeWorkers,
	} {
		if err := reg.Register(c); err != nil {
			return nil, eris.Wrap(err, "metrics: register collector")
		}
	}
	return r, nil
}

// ObserveCoordinate counts one finished coordinate.
func (r *Recorder) ObserveCoordinate(vendor, subject, outcome string) {
	if r == nil {
		return
	}
	r.coordinates.WithLabelValues(vendor, subject, outcome).Inc()
}

// ObserveRows adds merge results for a subject.
func (r *Recorder) ObserveRows(vendor, subject string, inserted, rejected int) {
	if r == nil {
		return
	}
	if inserted > 0 {
		r.rowsInserted.WithLabelValues(vendor, subject).Add(float64(inserted))
	}
	if rejected > 0 {
		r.rowsRejected.WithLabelValues(vendor, subject).Add(float64(rejected))
	}
}

// ObserveFetch records one fetch. result is "ok" or an error kind label.
func (r *Recorder) ObserveFetch(vendor, result string, bytes int, d time.Duration) {
	if r == nil {
		return
	}
	r.fetchDuration.WithLabelValues(vendor, result).Observe(d.Seconds())
	if bytes > 0 {
		r.fetchBytes.WithLabelValues(vendor).Add(float64(bytes))
	}
}

// WorkerStarted increments the active worker gauge.
func (r *Recorder) WorkerStarted() {
	if r == nil {
		return
	}
	r.activeWorkers.Inc()
}

// WorkerDone decrements the active worker gauge.
func (r *Recorder) WorkerDone() {
	if r == nil {
		return
	}
	r.activeWorkers.Dec()
}

// Serve exposes g on addr at /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("metrics: listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx) //nolint:contextcheck
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return eris.Wrapf(err, "metrics: serve %s", addr)
	}
}
