package runtime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"
)

// MetricFunc returns a snapshot of metric name to value. Names should be
// simple tokens using [a-zA-Z0-9_:].
type MetricFunc func() map[string]float64

// MetricCollectors returns the collectors of the system, keyed by prefix.
func (s *System) MetricCollectors() map[string]MetricFunc {
	out := map[string]MetricFunc{
		"msgcore_actors":    s.Metrics,
		"msgcore_fragments": s.frags.Metrics,
	}
	if q, ok := s.sched.(*RunQueue); ok {
		out["msgcore_runqueue"] = q.Metrics
	}
	return out
}

// StartMetricsServer serves every collector as plain text on addr under
// /metrics. It returns the bound address, which differs from addr when
// port 0 was asked for, and a shutdown function.
func StartMetricsServer(addr string, collectors map[string]MetricFunc) (string, func(ctx context.Context) error, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		writeMetrics(w, collectors)
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 3 * time.Second}
	go func() {
		_ = srv.Serve(ln)
	}()
	return ln.Addr().String(), srv.Shutdown, nil
}

// writeMetrics prints collectors and their metrics in name order.
func writeMetrics(w interface{ Write([]byte) (int, error) }, collectors map[string]MetricFunc) {
	names := make([]string, 0, len(collectors))
	for name := range collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fn := collectors[name]
		if fn == nil {
			continue
		}
		snapshot := fn()
		keys := make([]string, 0, len(snapshot))
		for k := range snapshot {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s %g\n", sanitizeMetricToken(name+"_"+k), snapshot[k])
		}
	}
}

func sanitizeMetricToken(s string) string {
	b := []byte(s)
	for i, c := range b {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == ':') {
			b[i] = '_'
		}
	}
	out := string(b)
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}
