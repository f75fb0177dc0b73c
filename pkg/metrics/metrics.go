// Package metrics keeps in-process counters for the treasury service and
// exposes them as JSON and Prometheus text.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	events        map[string]int64
	proposalState map[string]int64
	verdict       map[string]int64
	reason        map[string]int64
	gauges        map[string]float64
	signerLatency LatencyStat
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	Events          map[string]int64        `json:"events"`
	ProposalStates  map[string]int64        `json:"proposal_states"`
	Verdicts        map[string]int64        `json:"compliance_verdicts"`
	Reasons         map[string]int64        `json:"error_reasons"`
	Gauges          map[string]float64      `json:"gauges"`
	SignerLatencyMS LatencyStat             `json:"signer_latency_ms"`
	Histograms      []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		events:        map[string]int64{},
		proposalState: map[string]int64{},
		verdict:       map[string]int64{},
		reason:        map[string]int64{},
		gauges:        map[string]float64{},
		Histograms:    NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncEvent(eventType string) {
	r.inc(r.events, strings.TrimSpace(eventType))
}

// IncProposalState counts proposals entering state.
func (r *Registry) IncProposalState(state string) {
	r.inc(r.proposalState, strings.ToUpper(strings.TrimSpace(state)))
}

func (r *Registry) IncVerdict(verdict string) {
	r.inc(r.verdict, strings.ToUpper(strings.TrimSpace(verdict)))
}

func (r *Registry) IncReason(reason string) {
	r.inc(r.reason, strings.TrimSpace(reason))
}

func (r *Registry) inc(m map[string]int64, key string) {
	if key == "" {
		return
	}
	r.mu.Lock()
	m[key]++
	r.mu.Unlock()
}

func (r *Registry) ObserveSignerLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	r.signerLatency.Count++
	r.signerLatency.TotalMS += ms
	r.signerLatency.LastMS = ms
	if ms > r.signerLatency.MaxMS {
		r.signerLatency.MaxMS = ms
	}
	r.signerLatency.AvgMS = float64(r.signerLatency.TotalMS) / float64(r.signerLatency.Count)
	r.mu.Unlock()
	r.Histograms.ObserveDuration("signer", d)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		Events:          copyCounts(r.events),
		ProposalStates:  copyCounts(r.proposalState),
		Verdicts:        copyCounts(r.verdict),
		Reasons:         copyCounts(r.reason),
		Gauges:          make(map[string]float64, len(r.gauges)),
		SignerLatencyMS: r.signerLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP treasury_http_requests_total requests by endpoint\n")
		b.WriteString("# TYPE treasury_http_requests_total counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "treasury_http_requests_total{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP treasury_http_errors_total error responses by endpoint\n")
		b.WriteString("# TYPE treasury_http_errors_total counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "treasury_http_errors_total{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP treasury_http_max_millis max latency by endpoint\n")
		b.WriteString("# TYPE treasury_http_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "treasury_http_max_millis{endpoint=%q} %d\n", ep, snap.Endpoints[ep].MaxMillis)
		}
		writeCounter(b, "treasury_events_total", "engine events by type", "type", snap.Events)
		writeCounter(b, "treasury_proposal_state_total", "proposal transitions by target state", "state", snap.ProposalStates)
		writeCounter(b, "treasury_compliance_verdict_total", "compliance verdicts by status", "verdict", snap.Verdicts)
		writeCounter(b, "treasury_error_total", "rejected operations by reason", "reason", snap.Reasons)

		b.WriteString("# HELP treasury_gauge operational gauges\n")
		b.WriteString("# TYPE treasury_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "treasury_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}

		b.WriteString("# HELP treasury_signer_latency_ms signer submission latency\n")
		b.WriteString("# TYPE treasury_signer_latency_ms gauge\n")
		fmt.Fprintf(b, "treasury_signer_latency_ms{stat=%q} %d\n", "last", snap.SignerLatencyMS.LastMS)
		fmt.Fprintf(b, "treasury_signer_latency_ms{stat=%q} %.3f\n", "avg", snap.SignerLatencyMS.AvgMS)
		fmt.Fprintf(b, "treasury_signer_latency_ms{stat=%q} %d\n", "max", snap.SignerLatencyMS.MaxMS)

		if len(snap.Histograms) > 0 {
			b.WriteString("# HELP treasury_latency_seconds latency histogram\n")
			b.WriteString("# TYPE treasury_latency_seconds histogram\n")
		}
		for _, h := range snap.Histograms {
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "treasury_latency_seconds_bucket{name=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "treasury_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "treasury_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "treasury_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func writeCounter(b *strings.Builder, name, help, label string, values map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	for _, k := range SortedKeys(values) {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
