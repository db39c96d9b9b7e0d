package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rrc"

// OtherTarget labels jobs whose target was never allowed.
const OtherTarget = "other"

var (
	registerOnce sync.Once

	targetsMu    sync.RWMutex
	knownTargets = map[string]struct{}{}

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	peersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "peers_connected",
			Help:      "Peers currently registered.",
		},
	)
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "jobs_total",
			Help:      "Build jobs by target, outcome, and failing stage.",
		},
		[]string{"target", "outcome", "stage"},
	)
	buildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "job_duration_seconds",
			Help:      "End-to-end build job duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"target", "outcome"},
	)
	payloadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "payload_bytes_total",
			Help:      "Payload bytes moved over sessions.",
		},
		[]string{"direction"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, peersConnected, jobsTotal, buildDuration, payloadBytes)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func SetPeersConnected(n int) {
	RegisterMetrics()
	peersConnected.Set(float64(n))
}

// AllowJobTargets adds targets to the set reported under their own label.
// Targets arrive from clients, so only configured or installed ones qualify.
func AllowJobTargets(targets ...string) {
	targetsMu.Lock()
	defer targetsMu.Unlock()
	for _, t := range targets {
		if t != "" {
			knownTargets[t] = struct{}{}
		}
	}
}

func targetLabel(target string) string {
	targetsMu.RLock()
	defer targetsMu.RUnlock()
	if _, ok := knownTargets[target]; ok {
		return target
	}
	return OtherTarget
}

// RecordJob counts one finished job. stage is empty on success.
func RecordJob(target, stage string, duration time.Duration, success bool) {
	RegisterMetrics()
	target = targetLabel(target)
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	jobsTotal.WithLabelValues(target, outcome, stage).Inc()
	buildDuration.WithLabelValues(target, outcome).Observe(duration.Seconds())
}

// RecordPayload counts bytes moved; direction is "in" or "out".
func RecordPayload(direction string, n int) {
	RegisterMetrics()
	payloadBytes.WithLabelValues(direction).Add(float64(n))
}
