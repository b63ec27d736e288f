package httpapi

import (
	"encoding/json"
	"net/http"
)

// StatusFunc reports why the service is unhealthy, or nil.
type StatusFunc func() error

// RegisterHealth attaches the health check endpoint to the provided ServeMux.
// With a nil status the endpoint always reports ok.
func RegisterHealth(mux *http.ServeMux, status StatusFunc) {
	if mux == nil {
		return
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		var err error
		if status != nil {
			err = status()
		}
		if err == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
	})
}
