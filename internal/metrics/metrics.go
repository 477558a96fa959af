package metrics

import (
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "assetgw"

var (
	Uploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_total",
		Help:      "Upload attempts by result (committed, rejected, failed).",
	}, []string{"result"})
	BytesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_uploaded_total",
		Help:      "Bytes staged through upload sessions.",
	})
	DedupHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dedup_hits_total",
		Help:      "Uploads collapsed onto an existing asset.",
	})
	SignedURLs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signed_urls_total",
		Help:      "Signed URLs issued by scope.",
	}, []string{"scope"})
	AccessDenials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "access_denials_total",
		Help:      "Access evaluations that were denied.",
	})
	Purges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "purges_total",
		Help:      "Asset purges by result.",
	}, []string{"result"})
	SweepItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_items_total",
		Help:      "Items handled by reaper sweeps by sweep and result.",
	}, []string{"sweep", "result"})
	AuditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_write_failures_total",
		Help:      "Audit entries that could not be persisted.",
	})
	CommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "commit_duration_seconds",
		Help:      "Time to assemble and hash a committed upload.",
		Buckets:   prometheus.DefBuckets,
	})
)

var initOnce sync.Once

// Init registers collectors; safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(Uploads, BytesUploaded, DedupHits, SignedURLs, AccessDenials, Purges,
			SweepItems, AuditWriteFailures, CommitDuration)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// Serve starts a /metrics server on the given addr (e.g., ":9090"). Blocks.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}

// AddrFromEnv returns listen address from METRICS_ADDR or default ":9090".
func AddrFromEnv() string {
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		return v
	}
	return ":9090"
}
