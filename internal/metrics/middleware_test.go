package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsStatusAndRoute(t *testing.T) {
	Init()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Patch("/v1/things/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Patch("/v1/implicit", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	teapots := httpRequestsTotal.WithLabelValues(http.MethodPatch, "418")
	oks := httpRequestsTotal.WithLabelValues(http.MethodPatch, "200")
	beforeTeapot := testutil.ToFloat64(teapots)
	beforeOK := testutil.ToFloat64(oks)

	for _, path := range []string{"/v1/things/1", "/v1/things/2", "/v1/implicit"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, path, nil))
	}

	require.InDelta(t, beforeTeapot+2, testutil.ToFloat64(teapots), 0)
	require.InDelta(t, beforeOK+1, testutil.ToFloat64(oks), 0)

	// Both /v1/things requests share one route series.
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	routes := map[string]uint64{}
	for _, mf := range families {
		if mf.GetName() != "http_request_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == http.MethodPatch {
				routes[labels["route"]] = m.GetHistogram().GetSampleCount()
			}
		}
	}
	require.Equal(t, map[string]uint64{"/v1/things/{id}": 2, "/v1/implicit": 1}, routes)
}
