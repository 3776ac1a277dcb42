package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	dto "github.com/prometheus/client_model/go"

	"xfer/internal/metrics"
)

// requestLabels returns the label sets of xfer_http_requests_total samples.
func requestLabels(t *testing.T, m *metrics.Metrics) []map[string]string {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var out []map[string]string
	for _, f := range families {
		if f.GetName() != "xfer_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			out = append(out, labelsOf(metric))
		}
	}
	return out
}

func labelsOf(metric *dto.Metric) map[string]string {
	labels := make(map[string]string)
	for _, lp := range metric.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	return labels
}

func serve(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, http.NoBody))
	return rec
}

func TestMetricsMiddleware_IncrementsCounter(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/status", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	if rec := serve(e, http.MethodGet, "/status"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	got := requestLabels(t, m)
	if len(got) != 1 {
		t.Fatalf("samples = %v, want one", got)
	}
	if got[0]["path_prefix"] != "/status" || got[0]["status_code"] != "200" || got[0]["method"] != "GET" {
		t.Errorf("labels = %v", got[0])
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	serve(e, http.MethodGet, "/healthz")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "xfer_http_request_duration_seconds" {
			continue
		}
		for _, metric := range f.GetMetric() {
			if metric.GetHistogram().GetSampleCount() > 0 {
				return
			}
		}
	}
	t.Error("expected xfer_http_request_duration_seconds with at least one sample")
}

func TestMetricsMiddleware_Labels(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		wantMethod string
		wantStatus string
		wantPrefix string
	}{
		{"http error", http.MethodGet, "/status", "GET", "503", "/status"},
		{"unknown method", "XYZZY", "/healthz", "other", "200", "/healthz"},
		{"router not found", http.MethodGet, "/nonexistent", "GET", "404", "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := echo.New()
			e.Use(MetricsMiddleware(m))
			e.GET("/status", func(c echo.Context) error {
				return echo.NewHTTPError(http.StatusServiceUnavailable)
			})
			e.Any("/healthz", func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})

			serve(e, tt.method, tt.path)

			got := requestLabels(t, m)
			if len(got) != 1 {
				t.Fatalf("samples = %v, want one", got)
			}
			if got[0]["method"] != tt.wantMethod {
				t.Errorf("method = %q, want %q", got[0]["method"], tt.wantMethod)
			}
			if got[0]["status_code"] != tt.wantStatus {
				t.Errorf("status_code = %q, want %q", got[0]["status_code"], tt.wantStatus)
			}
			if got[0]["path_prefix"] != tt.wantPrefix {
				t.Errorf("path_prefix = %q, want %q", got[0]["path_prefix"], tt.wantPrefix)
			}
		})
	}
}
