package routing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteError_JSONEnvelope(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/grants/api/grants", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()

	WriteError(rec, req, RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_stage", "invalid stage")

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d", rec.Code)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Code != "invalid_stage" || env.Message != "invalid stage" {
		t.Fatalf("envelope=%+v", env)
	}
	if env.TraceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("trace_id=%q", env.TraceID)
	}
	if env.Meta.Path != "/grants/api/grants" || env.Meta.Method != http.MethodPost {
		t.Fatalf("meta=%+v", env.Meta)
	}
}

func TestWriteError_HTMLForUI(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/somewhere", nil)
	rec := httptest.NewRecorder()

	WriteError(rec, req, RouteClassUI, http.StatusNotFound, "not_found", "not found")

	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("content-type=%q", rec.Header().Get("Content-Type"))
	}
}

func TestTraceIDFromRequest_Invalid(t *testing.T) {
	t.Parallel()

	for _, tp := range []string{
		"",
		"bad",
		"00-zzzz-x-01",
		"00-00000000000000000000000000000000-00f067aa0ba902b7-01",
	} {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if tp != "" {
			req.Header.Set("traceparent", tp)
		}
		if got := traceIDFromRequest(req); got != "" {
			t.Fatalf("traceparent=%q got=%q", tp, got)
		}
	}
}
