package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StoreCollector exposes replication-layer diagnostics as Prometheus
// metrics. All raftstore components share one instance.
type StoreCollector struct {
	RegionCount prometheus.Gauge
	LeaderCount prometheus.Gauge

	Proposals     *prometheus.CounterVec
	ReadsServed   *prometheus.CounterVec
	MailboxFull   prometheus.Counter
	ReadyHandled  prometheus.Counter
	ApplyDuration prometheus.Histogram

	SnapshotsGenerated prometheus.Counter
	SnapshotsApplied   prometheus.Counter
	SnapshotsFailed    prometheus.Counter

	RegionSplits prometheus.Counter
	RegionMerges prometheus.Counter
	ConfChanges  prometheus.Counter
	RegionErrors *prometheus.CounterVec
}

// NewStoreCollector registers the collector on the given registry (default
// if nil).
func NewStoreCollector(reg prometheus.Registerer, namespace string) *StoreCollector {
	if namespace == "" {
		namespace = "tikv"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	builder := promauto.With(reg)
	return &StoreCollector{
		RegionCount: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raftstore_region_count",
			Help:      "Number of regions hosted on this store.",
		}),
		LeaderCount: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raftstore_leader_count",
			Help:      "Number of regions this store currently leads.",
		}),
		Proposals: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raftstore_proposals_total",
			Help:      "Proposals by outcome.",
		}, []string{"result"}),
		ReadsServed: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raftstore_reads_total",
			Help:      "Reads served by consistency path.",
		}, []string{"path"}),
		MailboxFull: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raftstore_mailbox_full_total",
			Help:      "Messages rejected because a peer mailbox was full.",
		}),
		ReadyHandled: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raftstore_ready_handled_total",
			Help:      "Raft ready cycles processed.",
		}),
		ApplyDuration: builder.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "raftstore_apply_duration_seconds",
			Help:      "Time spent applying one committed batch.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		SnapshotsGenerated: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raftstore_snapshots_generated_total",
			Help:      "Region snapshots built on this store.",
		}),
		SnapshotsApplied: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raftstore_snapshots_applied_total",
			Help:      "Region snapshots installed on this store.",
		}),
		SnapshotsFailed: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raftstore_snapshots_failed_total",
			Help:      "Snapshot generations that exhausted their retries.",
		}),
		RegionSplits: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raftstore_region_splits_total",
			Help:      "Region splits applied.",
		}),
		RegionMerges: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raftstore_region_merges_total",
			Help:      "Region merges committed.",
		}),
		ConfChanges: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raftstore_conf_changes_total",
			Help:      "Membership changes applied.",
		}),
		RegionErrors: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raftstore_region_errors_total",
			Help:      "Region-level errors returned to clients.",
		}, []string{"kind"}),
	}
}

// StartServer serves Prometheus metrics on addr until the context is
// canceled.
func StartServer(ctx context.Context, addr string, logger *zap.Logger) error {
	if addr == "" {
		return fmt.Errorf("metrics address is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return nil
}
