package procdisp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// DefaultKillTimeout is how long a forced stop waits for the worker to exit
// before killing it.
const DefaultKillTimeout = 2 * time.Second

const tracerName = "github.com/procdisp/golang"

type settings struct {
	log            logrus.FieldLogger
	killTimeout    time.Duration
	termOnComplete bool
	spawnLimit     int
	metrics        *Metrics
	prom           *promMetrics
	tracer         trace.Tracer
	spawn          spawnFunc
}

func newSettings(opts []Option) *settings {
	s := &settings{
		log:         Log,
		killTimeout: DefaultKillTimeout,
		tracer:      otel.Tracer(tracerName),
		spawn:       spawnProcess,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Option configures a Dispatcher or a ModuleProcess.
type Option func(*settings)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *settings) {
		s.log = log
	}
}

// WithKillTimeout sets how long a forced stop waits before killing the
// worker process.
func WithKillTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.killTimeout = d
		}
	}
}

// WithTermOnComplete sets the dispatcher's default for transient workers.
func WithTermOnComplete(term bool) Option {
	return func(s *settings) {
		s.termOnComplete = term
	}
}

// WithSpawnLimit bounds how many workers PreFork starts at once.
// Zero means no bound.
func WithSpawnLimit(n int) Option {
	return func(s *settings) {
		s.spawnLimit = n
	}
}

// WithMetrics records calls and worker lifecycle events into m.
func WithMetrics(m *Metrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

// WithPrometheus registers dispatch collectors with reg.
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(s *settings) {
		s.prom = newPromMetrics(reg)
	}
}

// WithTracerProvider traces dispatches with tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *settings) {
		s.tracer = tp.Tracer(tracerName)
	}
}

func withSpawner(spawn spawnFunc) Option {
	return func(s *settings) {
		s.spawn = spawn
	}
}
