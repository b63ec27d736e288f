package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterMetrics exposes the default Prometheus registry on /metrics.
func RegisterMetrics(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.Handle("/metrics", promhttp.Handler())
}
