package obs

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                     "/",
		"/metrics":                             "/metrics",
		"/v1/admin/connections/abc/suspend":    "/v1/admin/connections/:id/suspend",
		"/v1/admin/sessions/ses_01/deactivate": "/v1/admin/sessions/:id/deactivate",
		"/v1/admin/sweep":                      "/v1/admin/sweep",
		"/healthz?verbose=1":                   "/healthz",
		"/ws":                                  "/ws",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestPromRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPromRecorder(reg)

	rec.Record("gateway_test_events_total", 1, map[string]string{"outcome": "ok"})
	rec.Record("gateway_test_events_total", 2, map[string]string{"outcome": "ok"})
	rec.Record("gateway_test_events_total", 1, map[string]string{"outcome": "error"})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 1 {
		t.Fatalf("expected one metric family, got %d", len(families))
	}

	vec := rec.counters["gateway_test_events_total"]
	if got := testutil.ToFloat64(vec.WithLabelValues("ok")); got != 3 {
		t.Fatalf("expected ok counter 3, got %v", got)
	}
	if got := testutil.ToFloat64(vec.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected error counter 1, got %v", got)
	}
}

func TestNopRecorderDoesNotPanic(t *testing.T) {
	NopRecorder{}.Record("anything", 1, nil)
}
