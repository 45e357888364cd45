package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus vectors shared by every turnipd role. Each
// role updates the vectors relevant to it and ignores the rest; New
// registers the whole set so any role can be wired the same way.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	ResponsesTotal   *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	VirtLatency      *prometheus.HistogramVec
	HookRPCCalls     *prometheus.CounterVec
	GitChildDuration *prometheus.HistogramVec
	GitChildMaxRSS   *prometheus.HistogramVec
	RepoInits        *prometheus.CounterVec
	Maintenance      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turnip_requests_total",
			Help: "pack-protocol requests received, by command and source",
		}, []string{"command", "source"}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turnip_responses_total",
			Help: "pack-protocol responses sent, by command and status",
		}, []string{"command", "status"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turnip_errors_total",
			Help: "errors by command and fault kind",
		}, []string{"command", "fault"}),
		VirtLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "turnip_virt_translate_seconds",
			Help:    "latency of virt path-translation RPCs to the authorisation service",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		HookRPCCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turnip_hookrpc_calls_total",
			Help: "hook RPC calls by method and outcome",
		}, []string{"method", "outcome"}),
		GitChildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "turnip_git_child_duration_seconds",
			Help:    "wall-clock duration of spawned git child processes",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		GitChildMaxRSS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "turnip_git_child_max_rss_bytes",
			Help:    "peak resident set size reported by spawned git child processes",
			Buckets: prometheus.ExponentialBuckets(1<<20, 2, 16),
		}, []string{"command"}),
		RepoInits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turnip_repo_inits_total",
			Help: "repository creations, by outcome",
		}, []string{"outcome"}),
		Maintenance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turnip_maintenance_runs_total",
			Help: "repository maintenance passes, by kind and outcome",
		}, []string{"kind", "outcome"}),
	}

	prometheus.MustRegister(
		m.RequestsTotal,
		m.ResponsesTotal,
		m.ErrorsTotal,
		m.VirtLatency,
		m.HookRPCCalls,
		m.GitChildDuration,
		m.GitChildMaxRSS,
		m.RepoInits,
		m.Maintenance,
	)
	return m
}
