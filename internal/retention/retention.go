// Package retention runs the decision store's expiry sweep on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ticketwarden/internal/triage"
)

// DefaultSchedule runs the sweep daily at 03:17.
const DefaultSchedule = "17 3 * * *"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule parses a standard 5-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty retention schedule")
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", expr, err)
	}
	return s, nil
}

// Sweeper calls Sweep on the store at each scheduled time.
type Sweeper struct {
	store    triage.Sweeper
	schedule cron.Schedule
	logger   log.Logger
	metrics  *Metrics

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New returns a Sweeper for store on the given cron expression.
func New(store triage.Sweeper, expr string, logger log.Logger, m *Metrics) (*Sweeper, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Sweeper{
		store:    store,
		schedule: sched,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		after:    time.After,
	}, nil
}

// Run sweeps at each scheduled time until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		now := s.now()
		next := s.schedule.Next(now)
		s.logger.Info(ctx, "next retention sweep scheduled", "at", next.Format(time.RFC3339), "in", next.Sub(now).Round(time.Second).String())

		select {
		case <-ctx.Done():
			return
		case <-s.after(next.Sub(now)):
		}
		s.SweepOnce(ctx)
	}
}

// SweepOnce runs one sweep and returns the number of removed records.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	start := s.now()
	n, err := s.store.Sweep(ctx, start)
	dur := s.now().Sub(start)
	if s.metrics != nil {
		s.metrics.observe(n, dur, err)
	}
	if err != nil {
		s.logger.Error(ctx, err, "retention sweep failed")
		return 0
	}
	s.logger.Info(ctx, "retention sweep complete", "removed", n, "duration_s", dur.Seconds())
	return n
}

// Start runs the sweeper in a goroutine and returns a stop function that
// cancels it and waits for an in-flight sweep to finish.
func (s *Sweeper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// Metrics counts retention sweeps.
type Metrics struct {
	SweepsTotal    *prometheus.CounterVec
	RecordsRemoved prometheus.Counter
	SweepDuration  prometheus.Histogram
}

// NewMetrics registers retention metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketwarden_retention_sweeps_total",
			Help: "Retention sweeps by result.",
		}, []string{"result"}),
		RecordsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticketwarden_retention_records_removed_total",
			Help: "Expired decision records removed by retention sweeps.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ticketwarden_retention_sweep_duration_seconds",
			Help:    "Duration of retention sweeps.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.SweepsTotal, m.RecordsRemoved, m.SweepDuration)
	return m
}

func (m *Metrics) observe(removed int, dur time.Duration, err error) {
	m.SweepDuration.Observe(dur.Seconds())
	if err != nil {
		m.SweepsTotal.WithLabelValues("error").Inc()
		return
	}
	m.SweepsTotal.WithLabelValues("ok").Inc()
	m.RecordsRemoved.Add(float64(removed))
}
