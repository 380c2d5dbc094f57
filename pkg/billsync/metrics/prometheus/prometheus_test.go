package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestPrometheusMetrics_NewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestPrometheusMetrics_RecordApply(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordApply("webhook", "applied", 5*time.Millisecond)
	metrics.RecordApply("webhook", "applied", 5*time.Millisecond)
	metrics.RecordApply("direct_call", "stale", time.Millisecond)

	family := findMetric(t, reg, "test_reconcile_updates_total")
	if family == nil {
		t.Fatal("Expected updates_total to be recorded")
	}
	for _, m := range family.GetMetric() {
		if labelValue(m, "source") == "webhook" && labelValue(m, "outcome") == "applied" {
			if got := m.GetCounter().GetValue(); got != 2 {
				t.Errorf("Expected 2 applied webhook updates, got %v", got)
			}
		}
	}

	if findMetric(t, reg, "test_reconcile_update_duration_seconds") == nil {
		t.Error("Expected update duration to be recorded")
	}
}

func TestPrometheusMetrics_RecordStatusTransition(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStatusTransition("", "active")

	family := findMetric(t, reg, "test_reconcile_status_transitions_total")
	if family == nil {
		t.Fatal("Expected status transitions to be recorded")
	}
	if got := labelValue(family.GetMetric()[0], "from"); got != "none" {
		t.Errorf("Expected empty from status to be reported as none, got %q", got)
	}
}

func TestPrometheusMetrics_RecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStorageOperation("save_subscription", 10*time.Millisecond, nil)
	metrics.RecordStorageOperation("save_subscription", 10*time.Millisecond, errors.New("boom"))

	family := findMetric(t, reg, "test_storage_operation_errors_total")
	if family == nil {
		t.Fatal("Expected storage errors to be recorded")
	}
	if got := family.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("Expected 1 storage error, got %v", got)
	}
}

func TestPrometheusMetrics_Others(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordLockWait(time.Millisecond)
	metrics.RecordNotification("workflow", "delivered")
	metrics.RecordCircuitBreakerStateChange("stripe", "open")

	for _, name := range []string{
		"test_reconcile_lock_wait_seconds",
		"test_notifications_total",
		"test_circuit_breaker_state_changes_total",
	} {
		if findMetric(t, reg, name) == nil {
			t.Errorf("Expected %s to be recorded", name)
		}
	}
}
