package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hpwn/hackmudchat/internal/configreporter"
)

func TestRegisterConfigz(t *testing.T) {
	mux := http.NewServeMux()
	called := false
	snapshot := func() configreporter.Snapshot {
		called = true
		return configreporter.Snapshot{
			Store: configreporter.StoreSnapshot{Driver: "sqlite"},
		}
	}
	RegisterConfigz(mux, snapshot)

	req := httptest.NewRequest(http.MethodGet, "/configz", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rr.Code)
	}
	if !called {
		t.Fatalf("expected snapshot to be invoked")
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content-type: %s", ct)
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("unexpected cache-control: %s", cc)
	}
	if !strings.Contains(rr.Body.String(), `"driver":"sqlite"`) {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}

	// Ensure method not allowed for POST.
	called = false
	req = httptest.NewRequest(http.MethodPost, "/configz", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if called {
		t.Fatalf("snapshot should not have been called for POST")
	}
}
