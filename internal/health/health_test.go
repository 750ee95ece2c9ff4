package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/e4a-labs/voicekit/internal/health"
)

func doRequest(t *testing.T, h *health.Handler, path string) (*http.Response, map[string]any) {
	t.Helper()

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return resp, body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()

	resp, body := doRequest(t, health.New(), "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d; want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("body status = %v; want ok", body["status"])
	}
}

func TestReadyz_AllChecksPass(t *testing.T) {
	t.Parallel()

	h := health.New(
		health.Checker{Name: "session", Check: func(context.Context) error { return nil }},
		health.Checker{Name: "voicelog", Check: func(context.Context) error { return nil }},
	)
	resp, body := doRequest(t, h, "/readyz")

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d; want 200", resp.StatusCode)
	}
	checks, _ := body["checks"].(map[string]any)
	if len(checks) != 2 {
		t.Fatalf("checks = %v; want entries for session and voicelog", checks)
	}
	for name, raw := range checks {
		cr, _ := raw.(map[string]any)
		if cr["status"] != "ok" {
			t.Errorf("check %q = %v; want ok", name, cr)
		}
	}
}

func TestReadyz_FailingCheckDegradesResponse(t *testing.T) {
	t.Parallel()

	h := health.New(
		health.Checker{Name: "session", Check: func(context.Context) error { return nil }},
		health.Checker{Name: "voicelog", Check: func(context.Context) error {
			return errors.New("connection refused")
		}},
	)
	resp, body := doRequest(t, h, "/readyz")

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d; want 503", resp.StatusCode)
	}
	if body["status"] != "fail" {
		t.Errorf("body status = %v; want fail", body["status"])
	}
	checks := body["checks"].(map[string]any)
	failing := checks["voicelog"].(map[string]any)
	if failing["status"] != "fail" || failing["error"] != "connection refused" {
		t.Errorf("voicelog check = %v", failing)
	}
	if passing := checks["session"].(map[string]any); passing["status"] != "ok" {
		t.Errorf("session check = %v; must still be reported", passing)
	}
}
