package kvmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	kvmetrics "github.com/dantte-lp/gokvdb/internal/metrics"
	"github.com/dantte-lp/gokvdb/internal/router"
)

// The collector must satisfy the router's reporting interface.
var _ router.MetricsReporter = (*kvmetrics.Collector)(nil)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := kvmetrics.NewCollector(reg)

	if c.Sessions == nil {
		t.Error("Sessions is nil")
	}
	if c.FanOutFrames == nil {
		t.Error("FanOutFrames is nil")
	}
	if c.ReadsDispatched == nil {
		t.Error("ReadsDispatched is nil")
	}
	if c.AnswersDelivered == nil {
		t.Error("AnswersDelivered is nil")
	}
	if c.AnswersDropped == nil {
		t.Error("AnswersDropped is nil")
	}
	if c.ReadsRedispatched == nil {
		t.Error("ReadsRedispatched is nil")
	}
	if c.HandshakeFailures == nil {
		t.Error("HandshakeFailures is nil")
	}

	// Verify all metrics are registered by gathering them.
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestSessionGauges(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := kvmetrics.NewCollector(reg)

	c.SessionOpened("server")
	c.SessionOpened("server")
	c.SessionOpened("client")
	c.SessionClosed("client")
	c.SessionSwitched("server", "syncing")

	if got := gaugeValue(t, c.Sessions, "server"); got != 1 {
		t.Errorf("sessions{role=server} = %v, want 1", got)
	}
	if got := gaugeValue(t, c.Sessions, "syncing"); got != 1 {
		t.Errorf("sessions{role=syncing} = %v, want 1", got)
	}
	if got := gaugeValue(t, c.Sessions, "client"); got != 0 {
		t.Errorf("sessions{role=client} = %v, want 0", got)
	}
}

func TestCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := kvmetrics.NewCollector(reg)

	c.FanOut("SET", 3)
	c.FanOut("DEL", 2)
	c.ReadDispatched("GET")
	c.AnswerDelivered()
	c.AnswerDropped()
	c.ReadRedispatched()
	c.HandshakeFailed("password")
	c.HandshakeFailed("password")

	if got := counterValue(t, c.FanOutFrames, "SET"); got != 3 {
		t.Errorf("fanout_frames_total{op=SET} = %v, want 3", got)
	}
	if got := counterValue(t, c.ReadsDispatched, "GET"); got != 1 {
		t.Errorf("reads_dispatched_total{op=GET} = %v, want 1", got)
	}
	if got := counterValue(t, c.HandshakeFailures, "password"); got != 2 {
		t.Errorf("handshake_failures_total{reason=password} = %v, want 2", got)
	}
}

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := vec.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write gauge metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := vec.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write counter metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
