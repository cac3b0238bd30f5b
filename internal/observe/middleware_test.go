package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestMiddleware wires a middleware against isolated metric and trace
// providers and returns hooks for inspecting both.
func newTestMiddleware(t *testing.T) (func(http.Handler) http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	return Middleware(m), reader, exp
}

func serve(mw func(http.Handler) http.Handler, inner http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mw(inner).ServeHTTP(rec, req)
	return rec
}

func TestMiddleware(t *testing.T) {
	okHandler := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

	t.Run("sets the correlation id header", func(t *testing.T) {
		mw, _, _ := newTestMiddleware(t)

		var inCtx string
		rec := serve(mw, func(w http.ResponseWriter, r *http.Request) {
			inCtx = CorrelationID(r.Context())
			w.WriteHeader(http.StatusOK)
		}, httptest.NewRequest("GET", "/healthz", nil))

		if len(inCtx) != 32 {
			t.Fatalf("correlation id %q, want a 32-char trace id", inCtx)
		}
		if got := rec.Header().Get("X-Correlation-ID"); got != inCtx {
			t.Errorf("X-Correlation-ID = %q, want %q", got, inCtx)
		}
	})

	t.Run("opens a server span per request", func(t *testing.T) {
		mw, _, exp := newTestMiddleware(t)
		serve(mw, okHandler, httptest.NewRequest("GET", "/admin/documents", nil))

		spans := exp.GetSpans()
		if len(spans) != 1 {
			t.Fatalf("recorded %d spans, want 1", len(spans))
		}
		if spans[0].Name != "HTTP GET /admin/documents" {
			t.Errorf("span name = %q", spans[0].Name)
		}
	})

	t.Run("records the duration histogram with route attributes", func(t *testing.T) {
		mw, reader, _ := newTestMiddleware(t)
		serve(mw, okHandler, httptest.NewRequest("GET", "/readyz", nil))

		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("Collect: %v", err)
		}
		met := findMetric(rm, "eva.http.request.duration")
		if met == nil {
			t.Fatal("eva.http.request.duration not recorded")
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok || len(hist.DataPoints) == 0 {
			t.Fatalf("unexpected metric shape %T", met.Data)
		}
		dp := hist.DataPoints[0]
		if dp.Count != 1 {
			t.Errorf("sample count = %d, want 1", dp.Count)
		}
		var method, path string
		for _, kv := range dp.Attributes.ToSlice() {
			switch string(kv.Key) {
			case "method":
				method = kv.Value.AsString()
			case "path":
				path = kv.Value.AsString()
			}
		}
		if method != "GET" || path != "/readyz" {
			t.Errorf("attributes method=%q path=%q", method, path)
		}
	})

	t.Run("captures the downstream status code", func(t *testing.T) {
		mw, _, exp := newTestMiddleware(t)
		rec := serve(mw, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}, httptest.NewRequest("DELETE", "/admin/documents/missing.md", nil))

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
		spans := exp.GetSpans()
		if len(spans) != 1 {
			t.Fatalf("recorded %d spans, want 1", len(spans))
		}
		found := false
		for _, a := range spans[0].Attributes {
			if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 404 {
				found = true
			}
		}
		if !found {
			t.Error("span missing http.response.status_code=404")
		}
	})

	t.Run("allows hijacking the connection", func(t *testing.T) {
		mw, _, _ := newTestMiddleware(t)

		hijacked := make(chan error, 1)
		srv := httptest.NewServer(mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			conn, bufrw, err := http.NewResponseController(w).Hijack()
			hijacked <- err
			if err != nil {
				w.WriteHeader(http.StatusNotImplemented)
				return
			}
			bufrw.WriteString("HTTP/1.1 204 No Content\r\nConnection: close\r\n\r\n")
			bufrw.Flush()
			conn.Close()
		})))
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/ws")
		if err != nil {
			t.Fatalf("GET /ws: %v", err)
		}
		resp.Body.Close()
		if err := <-hijacked; err != nil {
			t.Fatalf("hijack through the middleware: %v", err)
		}
	})

	t.Run("continues an incoming W3C trace", func(t *testing.T) {
		mw, _, _ := newTestMiddleware(t)

		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
		rec := serve(mw, okHandler, req)

		const want = "4bf92f3577b34da6a3ce929d0e0e4736"
		if got := rec.Header().Get("X-Correlation-ID"); got != want {
			t.Errorf("X-Correlation-ID = %q, want %q", got, want)
		}
	})
}
