// Package metrics provides Prometheus metrics for floe components.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var registerOnce sync.Once

const (
	// Namespace is the Prometheus namespace for all floe metrics.
	Namespace = "floe"

	SubsystemCatalog = "catalog"
	SubsystemCommit  = "commit"
	SubsystemScan    = "scan"
	SubsystemAPI     = "api"
)

// Label constants for consistent labeling across metrics.
const (
	LabelCatalog   = "catalog"
	LabelOperation = "operation"
	LabelResult    = "result"
	LabelMethod    = "method"
	LabelRoute     = "route"
	LabelStatus    = "status"
)

// Commit results
const (
	ResultSuccess  = "success"
	ResultConflict = "conflict"
	ResultError    = "error"
)

var (
	// CatalogCommitsTotal counts CAS attempts at the catalog by outcome.
	CatalogCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemCatalog,
			Name:      "commits_total",
			Help:      "Total number of table commit attempts by result",
		},
		[]string{LabelCatalog, LabelResult},
	)

	// CatalogCommitDuration tracks how long a CAS takes, including the
	// metadata document write.
	CatalogCommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SubsystemCatalog,
			Name:      "commit_duration_seconds",
			Help:      "Duration of table commits in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelCatalog},
	)

	// CommitRetriesTotal counts rebase-and-retry rounds of the committer.
	CommitRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemCommit,
			Name:      "retries_total",
			Help:      "Total number of commit retries after a conflict",
		},
		[]string{LabelCatalog},
	)

	// SnapshotsCommittedTotal counts snapshots published per operation.
	SnapshotsCommittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemCommit,
			Name:      "snapshots_total",
			Help:      "Total number of snapshots committed",
		},
		[]string{LabelCatalog, LabelOperation},
	)

	// FilesPlannedTotal counts data files yielded by scan planning.
	FilesPlannedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemScan,
			Name:      "files_planned_total",
			Help:      "Total number of data files returned by scan planning",
		},
		[]string{LabelCatalog},
	)

	// APIRequestsTotal counts REST catalog requests.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of REST catalog requests",
		},
		[]string{LabelMethod, LabelRoute, LabelStatus},
	)

	// APIRequestDuration tracks REST catalog request latency.
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SubsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "REST catalog request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod, LabelRoute},
	)

	allMetrics = []prometheus.Collector{
		CatalogCommitsTotal,
		CatalogCommitDuration,
		CommitRetriesTotal,
		SnapshotsCommittedTotal,
		FilesPlannedTotal,
		APIRequestsTotal,
		APIRequestDuration,
	}
)

// Register registers all floe metrics with the default Prometheus registry.
// It is safe to call multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		for _, m := range allMetrics {
			prometheus.MustRegister(m)
		}
	})
}

// RegisterWith registers all floe metrics with the given registry.
func RegisterWith(reg prometheus.Registerer) {
	for _, m := range allMetrics {
		reg.MustRegister(m)
	}
}

// NewRegistry creates a registry with all floe metrics and the Go runtime
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	RegisterWith(reg)
	return reg
}
