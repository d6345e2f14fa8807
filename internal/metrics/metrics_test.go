package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は指定名のメトリクスファミリーを返す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// labelValue は指定ラベルの値を返す。
func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestObserveOperation_CountsByOperationAndOutcome は操作カウンタがラベル別に増加することを検証する。
func TestObserveOperation_CountsByOperationAndOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveOperation("sign_in", "success")
	c.ObserveOperation("sign_in", "success")
	c.ObserveOperation("sign_in", "auth")
	c.ObserveOperation("upload_avatar", "success")

	mf := findMetric(t, reg, "account_operations_total")
	if len(mf.GetMetric()) != 3 {
		t.Fatalf("expected 3 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		op, outcome := labelValue(m, "operation"), labelValue(m, "outcome")
		val := m.GetCounter().GetValue()
		switch {
		case op == "sign_in" && outcome == "success":
			if val != 2 {
				t.Errorf("sign_in/success = %v, want 2", val)
			}
		case op == "sign_in" && outcome == "auth":
			if val != 1 {
				t.Errorf("sign_in/auth = %v, want 1", val)
			}
		case op == "upload_avatar" && outcome == "success":
			if val != 1 {
				t.Errorf("upload_avatar/success = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected labels: %s/%s", op, outcome)
		}
	}
}

// TestObserveReconciliation_CountsByEvent は再同期カウンタがイベント別に増加することを検証する。
func TestObserveReconciliation_CountsByEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveReconciliation("SIGNED_IN")
	c.ObserveReconciliation("TOKEN_REFRESHED")
	c.ObserveReconciliation("TOKEN_REFRESHED")

	mf := findMetric(t, reg, "account_reconciliations_total")
	for _, m := range mf.GetMetric() {
		if labelValue(m, "event") == "TOKEN_REFRESHED" && m.GetCounter().GetValue() != 2 {
			t.Errorf("TOKEN_REFRESHED = %v, want 2", m.GetCounter().GetValue())
		}
	}
}

// TestObserveUpload_RecordsCountAndSize はアップロード数とサイズが記録されることを検証する。
func TestObserveUpload_RecordsCountAndSize(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveUpload("avatar", 100_000)
	c.ObserveUpload("avatar", 300_000)

	counter := findMetric(t, reg, "account_uploads_total")
	if v := counter.GetMetric()[0].GetCounter().GetValue(); v != 2 {
		t.Errorf("uploads_total = %v, want 2", v)
	}

	hist := findMetric(t, reg, "account_upload_bytes").GetMetric()[0].GetHistogram()
	if hist.GetSampleCount() != 2 {
		t.Errorf("sample_count = %d, want 2", hist.GetSampleCount())
	}
	if hist.GetSampleSum() != 400_000 {
		t.Errorf("sample_sum = %v, want 400000", hist.GetSampleSum())
	}
}

// TestSetActiveSessions_SetsGauge はセッション数ゲージが上書きされることを検証する。
func TestSetActiveSessions_SetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetActiveSessions(5)
	c.SetActiveSessions(3)

	mf := findMetric(t, reg, "account_active_sessions")
	if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 3 {
		t.Errorf("active_sessions = %v, want 3", v)
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はHTTPステータスカウンタがラベル付きで増加することを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(404)

	mf := findMetric(t, reg, "account_http_status_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		label := labelValue(m, "status_code")
		val := m.GetCounter().GetValue()
		switch label {
		case "200":
			if val != 2 {
				t.Errorf("http_status_total{status_code=200} = %v, want 2", val)
			}
		case "404":
			if val != 1 {
				t.Errorf("http_status_total{status_code=404} = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected label value: %s", label)
		}
	}
}

// TestRecordCleanup_AddsCounts はクリーンアップ件数が加算されることを検証する。
func TestRecordCleanup_AddsCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCleanup(4, 2)
	c.RecordCleanup(1, 0)

	if v := findMetric(t, reg, "account_sessions_purged_total").GetMetric()[0].GetCounter().GetValue(); v != 5 {
		t.Errorf("sessions_purged_total = %v, want 5", v)
	}
	if v := findMetric(t, reg, "account_sessions_evicted_total").GetMetric()[0].GetCounter().GetValue(); v != 2 {
		t.Errorf("sessions_evicted_total = %v, want 2", v)
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat は/metricsエンドポイントがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveOperation("sign_out", "success")
	c.ObserveReconciliation("SIGNED_OUT")
	c.ObserveUpload("banner", 1024)
	c.SetActiveSessions(1)
	c.RecordHTTPStatus(200)

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	expectedMetrics := []string{
		"account_operations_total",
		"account_reconciliations_total",
		"account_uploads_total",
		"account_upload_bytes",
		"account_active_sessions",
		"account_http_status_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestCollector_ImplementsMetricsCollectorInterface はCollectorがMetricsCollectorインターフェースを実装することを検証する。
func TestCollector_ImplementsMetricsCollectorInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	var _ MetricsCollector = NewCollector(reg)
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.SetActiveSessions(1)
	c2.SetActiveSessions(2)

	v1 := findMetric(t, reg1, "account_active_sessions").GetMetric()[0].GetGauge().GetValue()
	v2 := findMetric(t, reg2, "account_active_sessions").GetMetric()[0].GetGauge().GetValue()
	if v1 != 1 {
		t.Errorf("reg1 active_sessions = %v, want 1", v1)
	}
	if v2 != 2 {
		t.Errorf("reg2 active_sessions = %v, want 2", v2)
	}
}
