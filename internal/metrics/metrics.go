package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "watchtower_agent"

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

var (
	checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Monitoring checks recorded, partitioned by check type and status.",
		},
		[]string{"check_type", "status"},
	)

	incidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_total",
			Help:      "Incidents opened, partitioned by severity and category.",
		},
		[]string{"severity", "category"},
	)

	securityAnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_anomalies_total",
			Help:      "Security anomalies detected, partitioned by detector.",
		},
		[]string{"event_type"},
	)

	fixOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fix_outcomes_total",
			Help:      "Fix engine runs, partitioned by final incident status.",
		},
		[]string{"outcome"},
	)

	fixDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fix_duration_seconds",
			Help:      "Fix engine run latency in seconds.",
			Buckets:   []float64{1, 5, 10, 20, 30, 60, 120, 300},
		},
	)

	jobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Background job runs, partitioned by job and outcome.",
		},
		[]string{"job", "outcome"},
	)

	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected due to rate limiting, partitioned by tier.",
		},
		[]string{"tier"},
	)
)

// Register attaches the agent collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		checksTotal,
		incidentsTotal,
		securityAnomaliesTotal,
		fixOutcomesTotal,
		fixDurationSeconds,
		jobRunsTotal,
		rateLimitedTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func ObserveCheck(checkType, status string) {
	checksTotal.WithLabelValues(checkType, status).Inc()
}

func ObserveIncident(severity, category string) {
	incidentsTotal.WithLabelValues(severity, category).Inc()
}

func ObserveSecurityAnomaly(eventType string) {
	securityAnomaliesTotal.WithLabelValues(eventType).Inc()
}

// ObserveFix records a fix engine run duration and its final status label.
func ObserveFix(duration time.Duration, outcome string) {
	fixOutcomesTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	fixDurationSeconds.Observe(duration.Seconds())
}

func ObserveJob(job, outcome string) {
	jobRunsTotal.WithLabelValues(job, outcome).Inc()
}

func ObserveRateLimited(tier string) {
	rateLimitedTotal.WithLabelValues(tier).Inc()
}
