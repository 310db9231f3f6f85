package metrics

import "testing"

func TestCollector_CountersAccumulate(t *testing.T) {
	c := NewCollector("sess-1", "wireless-v4")

	c.IncBufferReceived()
	c.IncBufferReceived()
	c.IncBufferReceived()
	c.IncBufferAccepted()
	c.IncBufferAccepted()
	c.IncBufferRejected(RejectBadMagic)
	c.IncDuplicateBlock()
	c.IncFrameCompleted(1024)
	c.IncFrameAbandoned(512, 2)
	c.SetOpenFrames(3)
	c.SetTelemetry(88, 12)

	snap := c.Snapshot()
	if snap.BuffersReceived != 3 || snap.BuffersAccepted != 2 || snap.BuffersRejected != 1 {
		t.Errorf("intake = %d/%d/%d, want 3/2/1",
			snap.BuffersReceived, snap.BuffersAccepted, snap.BuffersRejected)
	}
	if snap.RejectedByReason[RejectBadMagic] != 1 {
		t.Errorf("RejectedByReason = %v", snap.RejectedByReason)
	}
	if snap.DuplicateBlocks != 1 {
		t.Errorf("DuplicateBlocks = %d, want 1", snap.DuplicateBlocks)
	}
	if snap.FramesCompleted != 1 || snap.FramesAbandoned != 1 {
		t.Errorf("frames = %d completed / %d abandoned", snap.FramesCompleted, snap.FramesAbandoned)
	}
	if snap.MissingBlocks != 2 || snap.BytesAssembled != 1536 {
		t.Errorf("missing = %d, bytes = %d, want 2/1536", snap.MissingBlocks, snap.BytesAssembled)
	}
	if snap.OpenFrames != 3 {
		t.Errorf("OpenFrames = %d, want 3", snap.OpenFrames)
	}
	if snap.Battery != 88 || snap.EWL != 12 {
		t.Errorf("telemetry = %d/%d, want 88/12", snap.Battery, snap.EWL)
	}
	if snap.SessionID != "sess-1" || snap.Device != "wireless-v4" {
		t.Errorf("dimensions = %q/%q", snap.SessionID, snap.Device)
	}
}

func TestCollector_NilReceiverIsSafe(t *testing.T) {
	var c *Collector
	c.IncBufferReceived()
	c.IncBufferAccepted()
	c.IncBufferRejected(RejectStaleFrame)
	c.IncDuplicateBlock()
	c.IncFrameCompleted(1)
	c.IncFrameAbandoned(1, 1)
	c.SetOpenFrames(1)
	c.SetTelemetry(1, 1)

	snap := c.Snapshot()
	if snap.BuffersReceived != 0 {
		t.Errorf("nil collector snapshot = %+v", snap)
	}
}

func TestCollector_SnapshotIsIsolated(t *testing.T) {
	c := NewCollector("s", "d")
	c.IncBufferRejected(RejectTruncatedPayload)

	snap := c.Snapshot()
	c.IncBufferRejected(RejectTruncatedPayload)

	if snap.RejectedByReason[RejectTruncatedPayload] != 1 {
		t.Errorf("snapshot mutated by later increments: %v", snap.RejectedByReason)
	}
	if c.Snapshot().RejectedByReason[RejectTruncatedPayload] != 2 {
		t.Error("collector did not keep counting after snapshot")
	}
}

func TestCollector_TelemetryLastWriteWins(t *testing.T) {
	c := NewCollector("s", "d")
	c.SetTelemetry(90, 5)
	c.SetTelemetry(85, 7)

	snap := c.Snapshot()
	if snap.Battery != 85 || snap.EWL != 7 {
		t.Errorf("telemetry = %d/%d, want 85/7", snap.Battery, snap.EWL)
	}
}
