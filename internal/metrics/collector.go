// Package metrics exposes auction run statistics as prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"consensus_auction/internal/domain"
)

type Collector struct {
	roundsTotal   *prometheus.CounterVec
	runsTotal     *prometheus.CounterVec
	rulesTotal    *prometheus.CounterVec
	roundDuration *prometheus.HistogramVec
	assignedTasks *prometheus.GaugeVec
	logger        *zap.Logger
}

// NewCollector registers the auction metrics on reg. A nil reg creates a
// private registry, which keeps tests and repeated runs independent.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.roundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Consensus rounds executed",
		},
		[]string{"protocol"},
	)
	c.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by terminal status",
		},
		[]string{"protocol", "status"},
	)
	c.rulesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_rules_total",
			Help:      "CBBA conflict resolution rule evaluations",
		},
		[]string{"rule", "action"},
	)
	c.roundDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Wall time of one full round",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"protocol"},
	)
	c.assignedTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assigned_tasks",
			Help:      "Tasks claimed by some agent at the end of the last run",
		},
		[]string{"protocol"},
	)

	for _, col := range []prometheus.Collector{c.roundsTotal, c.runsTotal, c.rulesTotal, c.roundDuration, c.assignedTasks} {
		if err := reg.Register(col); err != nil {
			c.logger.Warn("register collector", zap.Error(err))
		}
	}
	return c
}

func (c *Collector) RecordRound(protocol domain.Protocol, d time.Duration) {
	c.roundsTotal.WithLabelValues(string(protocol)).Inc()
	c.roundDuration.WithLabelValues(string(protocol)).Observe(d.Seconds())
}

func (c *Collector) RecordRule(rule int, action domain.Action) {
	c.rulesTotal.WithLabelValues(strconv.Itoa(rule), string(action)).Inc()
}

func (c *Collector) RecordOutcome(out domain.Outcome) {
	c.runsTotal.WithLabelValues(string(out.Protocol), string(out.Status)).Inc()
	c.assignedTasks.WithLabelValues(string(out.Protocol)).Set(float64(len(out.TaskOwners())))
}
