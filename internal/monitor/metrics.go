package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DownloadQueueDepth and AnalysisQueueDepth are exported so
	// internal/monitor/worker can report queue depth after pushing across
	// the download-to-analysis boundary.
	DownloadQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pyreposcan",
		Subsystem: "monitor",
		Name:      "download_queue_depth",
		Help:      "Current number of artifacts waiting in the download queue.",
	})
	AnalysisQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pyreposcan",
		Subsystem: "monitor",
		Name:      "analysis_queue_depth",
		Help:      "Current number of artifacts waiting in the analysis queue.",
	})
	changelogActivitiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pyreposcan",
			Subsystem: "monitor",
			Name:      "changelog_activities_total",
			Help:      "Total changelog activities replayed, by action.",
		},
		[]string{"action"},
	)
	fetchErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pyreposcan",
			Subsystem: "monitor",
			Name:      "fetch_errors_total",
			Help:      "Total transient fetch failures, by operation.",
		},
		[]string{"op"},
	)
	IssuesFoundTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pyreposcan",
		Subsystem: "monitor",
		Name:      "issues_found_total",
		Help:      "Total taint-analysis issues found across analyzed artifacts.",
	})
	localSerialGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pyreposcan",
		Subsystem: "monitor",
		Name:      "local_serial",
		Help:      "The most recently committed local_serial.",
	})
)
