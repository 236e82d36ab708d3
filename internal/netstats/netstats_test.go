package netstats

import "testing"

func TestRecordLatencyComputesJitter(t *testing.T) {
	tr := New()
	tr.RecordLatency("dev-1", 10)
	tr.RecordLatency("dev-1", 20)

	snaps := tr.Snapshot()
	if len(snaps) != 1 {
		t.Fatalf("expected 1 tracked peer, got %d", len(snaps))
	}
	s := snaps[0]
	if s.LatencyMs != 20 {
		t.Errorf("LatencyMs = %v, want 20", s.LatencyMs)
	}
	if s.JitterMs <= 0 {
		t.Errorf("JitterMs = %v, want > 0 after a latency change", s.JitterMs)
	}
}

func TestRemoveDropsPeer(t *testing.T) {
	tr := New()
	tr.Ensure("dev-1")
	tr.Remove("dev-1")
	if len(tr.Snapshot()) != 0 {
		t.Errorf("expected no tracked peers after Remove")
	}
}
