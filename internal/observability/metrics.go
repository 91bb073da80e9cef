package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registryMu sync.Mutex

	// Registry is the process metrics registry. It is nil until InitMetrics
	// runs.
	Registry *prometheus.Registry
)

// InitMetrics creates Registry with the Go runtime and process collectors
// and returns it. Subsequent calls return the same registry.
func InitMetrics() *prometheus.Registry {
	registryMu.Lock()
	defer registryMu.Unlock()
	if Registry != nil {
		return Registry
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	Registry = reg
	return reg
}

// MetricsHandler serves Registry in the Prometheus exposition format. It
// responds 503 when metrics were never initialized.
func MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		registryMu.Lock()
		reg := Registry
		registryMu.Unlock()
		if reg == nil {
			http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
			return
		}
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
