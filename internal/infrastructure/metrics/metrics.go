package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"

	"github.com/lurtz/denon-control/internal/bridges/denon"
)

const namespace = "denon"

// Source is what Metrics samples. *denon.Supervisor satisfies it.
type Source interface {
	Stats() denon.Stats
	BreakerState() gobreaker.State
	DialFailures() uint64
	ReconnectsTotal() uint64
}

// Metrics holds the Prometheus collectors for one receiver.
type Metrics struct {
	registry *prometheus.Registry

	linesReceived  *prometheus.CounterVec
	commandsSent   *prometheus.CounterVec
	getTimeouts    prometheus.Counter
	updatesDropped prometheus.Counter
	errorsTotal    prometheus.Counter
	dialFailures   prometheus.Counter
	reconnects     prometheus.Counter

	connected    prometheus.Gauge
	breakerState prometheus.Gauge
	stateValue   *prometheus.GaugeVec
	lastActivity prometheus.Gauge

	mu   sync.Mutex
	prev sample
}

// sample is the last snapshot folded into the counters.
type sample struct {
	stats        denon.Stats
	dialFailures uint64
	reconnects   uint64
}

// New creates the collectors and registers them, plus the Go and process
// collectors, on a fresh registry.
func New(receiverID string) *Metrics {
	constLabels := prometheus.Labels{"receiver": receiverID}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		linesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "lines_received_total",
			Help:        "Lines read from the receiver, by decode result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "commands_sent_total",
			Help:        "Command lines written to the receiver, by kind",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		getTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "get_timeouts_total",
			Help:        "Queries that got no answer within the poll budget",
			ConstLabels: constLabels,
		}),
		updatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "updates_dropped_total",
			Help:        "Update callbacks dropped because the queue was full",
			ConstLabels: constLabels,
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "errors_total",
			Help:        "Write and sync loop errors",
			ConstLabels: constLabels,
		}),
		dialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "dial_failures_total",
			Help:        "Failed or breaker-rejected connection attempts",
			ConstLabels: constLabels,
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "reconnects_total",
			Help:        "Successful connections after the first",
			ConstLabels: constLabels,
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "connected",
			Help:        "1 while the receiver connection is up",
			ConstLabels: constLabels,
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "circuit_breaker_state",
			Help:        "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			ConstLabels: constLabels,
		}),
		stateValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "state_value",
			Help:        "Last reported numeric receiver state (power: 1=on, 0=standby)",
			ConstLabels: constLabels,
		}, []string{"key"}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_activity_timestamp_seconds",
			Help:        "Unix time of the last line read from the receiver",
			ConstLabels: constLabels,
		}),
	}

	m.registry.MustRegister(
		m.linesReceived,
		m.commandsSent,
		m.getTimeouts,
		m.updatesDropped,
		m.errorsTotal,
		m.dialFailures,
		m.reconnects,
		m.connected,
		m.breakerState,
		m.stateValue,
		m.lastActivity,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observe folds one snapshot into the collectors.
//
// Counters advance by the difference to the previous snapshot. When the
// reconnect count moved, or a value is lower than before, the connection
// was replaced and its counters restarted, so the whole new value is added.
func (m *Metrics) Observe(src Source) {
	cur := sample{
		stats:        src.Stats(),
		dialFailures: src.DialFailures(),
		reconnects:   src.ReconnectsTotal(),
	}

	m.mu.Lock()
	prev := m.prev
	m.prev = cur
	m.mu.Unlock()

	s, p := cur.stats, prev.stats
	if cur.reconnects != prev.reconnects {
		p = denon.Stats{}
	}
	m.linesReceived.WithLabelValues("decoded").Add(delta(s.LinesDecoded, p.LinesDecoded))
	m.linesReceived.WithLabelValues("ignored").Add(delta(s.LinesIgnored, p.LinesIgnored))
	m.commandsSent.WithLabelValues("set").Add(delta(s.CommandsTx, p.CommandsTx))
	m.commandsSent.WithLabelValues("query").Add(delta(s.QueriesTx, p.QueriesTx))
	m.getTimeouts.Add(delta(s.GetTimeouts, p.GetTimeouts))
	m.updatesDropped.Add(delta(s.UpdatesDropped, p.UpdatesDropped))
	m.errorsTotal.Add(delta(s.ErrorsTotal, p.ErrorsTotal))
	m.dialFailures.Add(delta(cur.dialFailures, prev.dialFailures))
	m.reconnects.Add(delta(cur.reconnects, prev.reconnects))

	if s.Connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
	m.breakerState.Set(float64(src.BreakerState()))
	if !s.LastActivity.IsZero() {
		m.lastActivity.Set(float64(s.LastActivity.Unix()))
	}
}

// ObserveUpdate mirrors numeric state into denon_state_value. It has the
// update callback signature so it can be fanned out next to the bridge.
func (m *Metrics) ObserveUpdate(u denon.Update) {
	if n, ok := u.Value.Integer(); ok {
		m.stateValue.WithLabelValues(u.Key.Slug()).Set(float64(n))
		return
	}
	if p, ok := u.Value.Power(); ok {
		v := 0.0
		if p == denon.PowerOn {
			v = 1
		}
		m.stateValue.WithLabelValues(u.Key.Slug()).Set(v)
	}
}

// Run calls Observe every interval until ctx is done.
func (m *Metrics) Run(ctx context.Context, src Source, interval time.Duration) {
	m.Observe(src)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Observe(src)
		}
	}
}

func delta(cur, prev uint64) float64 {
	if cur < prev {
		return float64(cur)
	}
	return float64(cur - prev)
}
