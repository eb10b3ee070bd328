// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	RacesStarted     prometheus.Counter
	RacesRecorded    prometheus.Counter
	RacesCancelled   prometheus.Counter
	CountdownCancels prometheus.Counter
	MatchesRecorded  prometheus.Counter
	SinkErrors       *prometheus.CounterVec
	CommandsTotal    *prometheus.CounterVec

	// Histograms (seconds)
	RaceDuration prometheus.Observer
	SinkLatency  *prometheus.HistogramVec

	// Gauges
	ActiveRooms prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RacesStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "condor_races_started_total", Help: "Number of races that passed the countdown"})
		RacesRecorded = promauto.NewCounter(prometheus.CounterOpts{Name: "condor_races_recorded_total", Help: "Number of races recorded with a result"})
		RacesCancelled = promauto.NewCounter(prometheus.CounterOpts{Name: "condor_races_cancelled_total", Help: "Number of races recorded as cancelled"})
		CountdownCancels = promauto.NewCounter(prometheus.CounterOpts{Name: "condor_countdown_cancels_total", Help: "Number of countdowns cancelled by an unready"})
		MatchesRecorded = promauto.NewCounter(prometheus.CounterOpts{Name: "condor_matches_recorded_total", Help: "Number of matches recorded"})
		SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "condor_sink_errors_total", Help: "Best-effort collaborator failures"}, []string{"sink"})
		CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "condor_commands_total", Help: "Chat commands executed"}, []string{"command", "result"})
		RaceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "condor_race_duration_seconds",
			Help:    "Winning race time in seconds",
			Buckets: []float64{300, 600, 900, 1200, 1800, 2700, 3600, 5400, 7200},
		})
		SinkLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "condor_sink_duration_seconds",
			Help:    "Latency of best-effort collaborator calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"})
		ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{Name: "condor_active_rooms", Help: "Race rooms currently open"})
	})
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// RaceStarted counts a race that left its countdown.
func RaceStarted() { inc(RacesStarted) }

// RaceRecorded counts a recorded race.
func RaceRecorded(cancelled bool) {
	if cancelled {
		inc(RacesCancelled)
		return
	}
	inc(RacesRecorded)
}

// CountdownCancelled counts a countdown interrupted before the start.
func CountdownCancelled() { inc(CountdownCancels) }

// MatchRecorded counts a finished match.
func MatchRecorded() { inc(MatchesRecorded) }

// SinkError counts a logged-and-dropped collaborator failure.
func SinkError(sink string) {
	if SinkErrors != nil {
		SinkErrors.WithLabelValues(sink).Inc()
	}
}

// CommandExecuted counts a chat command by outcome.
func CommandExecuted(command, result string) {
	if CommandsTotal != nil {
		CommandsTotal.WithLabelValues(command, result).Inc()
	}
}

// ObserveRaceDuration records the winning time of a race.
func ObserveRaceDuration(d time.Duration) {
	if RaceDuration != nil {
		RaceDuration.Observe(d.Seconds())
	}
}

// SetActiveRooms records the number of open race rooms.
func SetActiveRooms(n int) {
	if ActiveRooms != nil {
		ActiveRooms.Set(float64(n))
	}
}

// SinkObserver returns the latency observer for sink, or nil before Init.
func SinkObserver(sink string) prometheus.Observer {
	if SinkLatency == nil {
		return nil
	}
	return SinkLatency.WithLabelValues(sink)
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
