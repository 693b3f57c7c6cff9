package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Singleton metrics instance
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds all Prometheus metrics for the dispatch pipeline
type Metrics struct {
	// Task metrics
	TasksDispatched prometheus.Counter
	TasksSent       prometheus.Counter
	TasksFailed     prometheus.Counter
	TasksDeferred   prometheus.Counter
	TasksRetried    prometheus.Counter

	// Scheduler metrics
	LaneDepth *prometheus.GaugeVec

	// Worker metrics
	ActiveWorkers prometheus.Gauge
	SendDuration  prometheus.Histogram

	// Campaign metrics
	CampaignsSubmitted prometheus.Counter
	CampaignsCompleted prometheus.Counter

	// Flow control metrics
	RateLimitDeferrals prometheus.Counter
	QuotaRejections    prometheus.Counter
}

// Get returns the singleton metrics instance
func Get() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

// newMetrics creates and registers all metrics
func newMetrics() *Metrics {
	return &Metrics{
		TasksDispatched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "zapcast_tasks_dispatched_total",
			Help: "Total number of recipient tasks claimed by workers",
		}),
		TasksSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "zapcast_tasks_sent_total",
			Help: "Total number of tasks sent successfully",
		}),
		TasksFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "zapcast_tasks_failed_total",
			Help: "Total number of tasks terminally failed",
		}),
		TasksDeferred: promauto.NewCounter(prometheus.CounterOpts{
			Name: "zapcast_tasks_deferred_total",
			Help: "Total number of task deferrals (rate limit or pause)",
		}),
		TasksRetried: promauto.NewCounter(prometheus.CounterOpts{
			Name: "zapcast_tasks_retried_total",
			Help: "Total number of retry attempts scheduled",
		}),
		LaneDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zapcast_lane_depth",
			Help: "Number of ready tasks per priority lane",
		}, []string{"lane"}),
		ActiveWorkers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "zapcast_active_workers",
			Help: "Number of workers currently processing a task",
		}),
		SendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "zapcast_send_duration_seconds",
			Help:    "Duration of transport send calls",
			Buckets: prometheus.DefBuckets,
		}),
		CampaignsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "zapcast_campaigns_submitted_total",
			Help: "Total number of campaigns submitted for dispatch",
		}),
		CampaignsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "zapcast_campaigns_completed_total",
			Help: "Total number of campaigns that reached completion",
		}),
		RateLimitDeferrals: promauto.NewCounter(prometheus.CounterOpts{
			Name: "zapcast_ratelimit_deferrals_total",
			Help: "Total number of sends deferred by the per-tenant rate limit",
		}),
		QuotaRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "zapcast_quota_rejections_total",
			Help: "Total number of submissions rejected for insufficient quota",
		}),
	}
}
