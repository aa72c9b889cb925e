package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/buxton-project/buxton/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.Sessions == nil {
		t.Error("Sessions is nil")
	}
	if c.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if c.NotificationsSent == nil {
		t.Error("NotificationsSent is nil")
	}
	if c.AccessDenials == nil {
		t.Error("AccessDenials is nil")
	}
	if c.BackendErrors == nil {
		t.Error("BackendErrors is nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestRegisterUnregisterSession(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RegisterSession()
	c.RegisterSession()
	if val := gaugeValue(t, c.Sessions); val != 2 {
		t.Errorf("after two RegisterSession: sessions gauge = %v, want 2", val)
	}

	c.UnregisterSession()
	if val := gaugeValue(t, c.Sessions); val != 1 {
		t.Errorf("after UnregisterSession: sessions gauge = %v, want 1", val)
	}
}

func TestRequestCounterByOpAndStatus(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordRequest("GET", "Ok")
	c.RecordRequest("GET", "Ok")
	c.RecordRequest("GET", "NotFound")
	c.RecordRequest("SET", "Denied")

	if val := counterValue(t, c.RequestsTotal, "GET", "Ok"); val != 2 {
		t.Errorf("GET/Ok = %v, want 2", val)
	}
	if val := counterValue(t, c.RequestsTotal, "GET", "NotFound"); val != 1 {
		t.Errorf("GET/NotFound = %v, want 1", val)
	}
	if val := counterValue(t, c.RequestsTotal, "SET", "Denied"); val != 1 {
		t.Errorf("SET/Denied = %v, want 1", val)
	}
}

func TestNotificationCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordNotificationSent()
	c.RecordNotificationSent()
	c.RecordNotificationDropped()

	if val := counterValueNoLabels(t, c.NotificationsSent); val != 2 {
		t.Errorf("NotificationsSent = %v, want 2", val)
	}
	if val := counterValueNoLabels(t, c.NotificationsDropped); val != 1 {
		t.Errorf("NotificationsDropped = %v, want 1", val)
	}
}

func TestAccessDenialAndBackendErrorCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordAccessDenial("read")
	c.RecordAccessDenial("read")
	c.RecordAccessDenial("write")
	c.RecordBackendError("base")

	if val := counterValue(t, c.AccessDenials, "read"); val != 2 {
		t.Errorf("AccessDenials/read = %v, want 2", val)
	}
	if val := counterValue(t, c.AccessDenials, "write"); val != 1 {
		t.Errorf("AccessDenials/write = %v, want 1", val)
	}
	if val := counterValue(t, c.BackendErrors, "base"); val != 1 {
		t.Errorf("BackendErrors/base = %v, want 1", val)
	}
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValueNoLabels(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
