package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/hpwn/hackmudchat/internal/configreporter"
)

// RegisterConfigz installs /configz, serving the redacted runtime
// configuration. ?pretty=1 indents the output.
func RegisterConfigz(mux *http.ServeMux, snapshot func() configreporter.Snapshot) {
	if mux == nil || snapshot == nil {
		return
	}

	mux.HandleFunc("/configz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		enc := json.NewEncoder(w)
		if r.URL.Query().Get("pretty") != "" {
			enc.SetIndent("", "  ")
		}
		if err := enc.Encode(snapshot()); err != nil {
			http.Error(w, "failed to encode config", http.StatusInternalServerError)
		}
	})
}
