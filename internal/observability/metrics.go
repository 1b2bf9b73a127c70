package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Record results.
const (
	ResultDecoded = "decoded"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

var (
	registerOnce sync.Once

	decodeRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emtrace",
			Subsystem: "decode",
			Name:      "records_total",
			Help:      "Trace records processed, by input and result.",
		},
		[]string{"input", "result"},
	)
	decodeBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emtrace",
			Subsystem: "decode",
			Name:      "stream_bytes_total",
			Help:      "Trace stream bytes consumed, by input.",
		},
		[]string{"input"},
	)
	decodeSessions = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "emtrace",
			Subsystem: "decode",
			Name:      "session_duration_seconds",
			Help:      "Decode session duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"input", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(decodeRecords, decodeBytes, decodeSessions)
	})
}

func RecordRecord(input, result string) {
	RegisterMetrics()
	decodeRecords.WithLabelValues(input, result).Inc()
}

func RecordStreamBytes(input string, n int64) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	decodeBytes.WithLabelValues(input).Add(float64(n))
}

func RecordSession(input string, duration time.Duration, err error) {
	RegisterMetrics()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	decodeSessions.WithLabelValues(input, outcome).Observe(duration.Seconds())
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	RegisterMetrics()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("metrics listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
