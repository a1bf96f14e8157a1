package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_RecordLeaseCreated(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLeaseCreated("email")
	c.RecordLeaseCreated("email")
	c.RecordLeaseCreated("subbot")

	if got := testutil.ToFloat64(c.leaseCreated.WithLabelValues("email")); got != 2 {
		t.Errorf("lease_created{kind=email} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.leaseCreated.WithLabelValues("subbot")); got != 1 {
		t.Errorf("lease_created{kind=subbot} = %v, want 1", got)
	}
}

func TestCollector_RecordQuotaDenied(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordQuotaDenied("quota")
	c.RecordQuotaDenied("rate")
	c.RecordQuotaDenied("rate")

	if got := testutil.ToFloat64(c.quotaDenied.WithLabelValues("rate")); got != 2 {
		t.Errorf("quota_denied{reason=rate} = %v, want 2", got)
	}
}

func TestCollector_RecordSweepDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSweepDuration(250 * time.Millisecond)

	count, err := testutil.GatherAndCount(reg, "tempro_sweep_duration_seconds")
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if count != 1 {
		t.Errorf("sweep_duration metric count = %d, want 1", count)
	}
}

func TestCollector_RecordBroadcastTotals(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBroadcastDelivered(8)
	c.RecordBroadcastFailed(2)

	if got := testutil.ToFloat64(c.broadcastDelivered); got != 8 {
		t.Errorf("broadcast_delivered = %v, want 8", got)
	}
	if got := testutil.ToFloat64(c.broadcastFailed); got != 2 {
		t.Errorf("broadcast_failed = %v, want 2", got)
	}
}

func TestCollector_RecordMessagesStored(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMessagesStored(3)
	c.RecordMessagesStored(4)

	if got := testutil.ToFloat64(c.messagesStored); got != 7 {
		t.Errorf("messages_stored = %v, want 7", got)
	}
}

func TestNopCollector_ImplementsInterface(t *testing.T) {
	// NopCollectorは記録しても何も起こらない
	var c MetricsCollector = NopCollector{}
	c.RecordLeaseCreated("email")
	c.RecordSweepDuration(time.Second)
	c.RecordNeedsReview("subbot")
}
