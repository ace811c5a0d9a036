package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.SessionsActive == nil {
		t.Error("SessionsActive metric is nil")
	}
	if m.MessagesRouted == nil {
		t.Error("MessagesRouted metric is nil")
	}
	if m.TransfersStarted == nil {
		t.Error("TransfersStarted metric is nil")
	}
}

func TestRecordSessions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionOpen("tcp", 0.01)
	m.RecordSessionOpen("tcp", 0.02)
	m.RecordSessionOpen("websocket", 0.03)
	m.RecordSessionClose(12)

	if active := testutil.ToFloat64(m.SessionsActive); active != 2 {
		t.Errorf("SessionsActive = %v, want 2", active)
	}
	if tcp := testutil.ToFloat64(m.SessionsTotal.WithLabelValues("tcp")); tcp != 2 {
		t.Errorf("SessionsTotal[tcp] = %v, want 2", tcp)
	}
	if ws := testutil.ToFloat64(m.SessionsTotal.WithLabelValues("websocket")); ws != 1 {
		t.Errorf("SessionsTotal[websocket] = %v, want 1", ws)
	}
}

func TestRecordRejectionsAndHandshakes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnectionRejected("over_capacity")
	m.RecordHandshakeFailure("name_taken")
	m.RecordHandshakeFailure("name_taken")
	m.RecordHandshakeFailure("timeout")

	if n := testutil.ToFloat64(m.ConnectionsRejected.WithLabelValues("over_capacity")); n != 1 {
		t.Errorf("ConnectionsRejected[over_capacity] = %v, want 1", n)
	}
	if n := testutil.ToFloat64(m.HandshakeFailures.WithLabelValues("name_taken")); n != 2 {
		t.Errorf("HandshakeFailures[name_taken] = %v, want 2", n)
	}
}

func TestRecordFrames(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordFrameReceived("TEXT", 40)
	m.RecordFrameReceived("TEXT", 60)
	m.RecordFrameSent("FILE_DATA", 8300)
	m.RecordFrameError("frame_too_large")

	if n := testutil.ToFloat64(m.FramesReceived.WithLabelValues("TEXT")); n != 2 {
		t.Errorf("FramesReceived[TEXT] = %v, want 2", n)
	}
	if n := testutil.ToFloat64(m.BytesReceived); n != 100 {
		t.Errorf("BytesReceived = %v, want 100", n)
	}
	if n := testutil.ToFloat64(m.BytesSent); n != 8300 {
		t.Errorf("BytesSent = %v, want 8300", n)
	}
	if n := testutil.ToFloat64(m.FrameErrors.WithLabelValues("frame_too_large")); n != 1 {
		t.Errorf("FrameErrors[frame_too_large] = %v, want 1", n)
	}
}

func TestRecordRouting(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordRouted("TEXT", RouteBroadcast)
	m.RecordRouted("TEXT", RoutePrivate)
	m.RecordRouted("TEXT", RouteBroadcast)
	m.RecordDeliveryFailure(RouteBroadcast)

	if n := testutil.ToFloat64(m.MessagesRouted.WithLabelValues("TEXT", RouteBroadcast)); n != 2 {
		t.Errorf("MessagesRouted[TEXT,broadcast] = %v, want 2", n)
	}
	if n := testutil.ToFloat64(m.DeliveryFailures.WithLabelValues(RouteBroadcast)); n != 1 {
		t.Errorf("DeliveryFailures[broadcast] = %v, want 1", n)
	}
}

func TestRecordTransfers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordTransferStart()
	m.RecordTransferStart()
	m.RecordTransferStart()
	m.RecordTransferBytes(8192)
	m.RecordTransferBytes(100)
	m.RecordTransferComplete(0.5, true)
	m.RecordTransferComplete(0.7, false)
	m.RecordTransferAbort("disconnect")

	if n := testutil.ToFloat64(m.TransfersActive); n != 0 {
		t.Errorf("TransfersActive = %v, want 0", n)
	}
	if n := testutil.ToFloat64(m.TransfersCompleted); n != 2 {
		t.Errorf("TransfersCompleted = %v, want 2", n)
	}
	if n := testutil.ToFloat64(m.TransferBytes); n != 8292 {
		t.Errorf("TransferBytes = %v, want 8292", n)
	}
	if n := testutil.ToFloat64(m.ChecksumMismatches); n != 1 {
		t.Errorf("ChecksumMismatches = %v, want 1", n)
	}
	if n := testutil.ToFloat64(m.TransfersAborted.WithLabelValues("disconnect")); n != 1 {
		t.Errorf("TransfersAborted[disconnect] = %v, want 1", n)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return same instance")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
