package jitter

import (
	"testing"
	"time"

	"github.com/claude-did-this/chip-audio-receiver/internal/session"
)

func newTestSession() *session.Session {
	return session.NewSession("s1", nil, session.Format{}, time.Now())
}

func TestInsertAccepted(t *testing.T) {
	b := New(newTestSession(), DefaultLimits())
	result := b.Insert(Chunk{SessionID: "s1", DeadlineMs: 1000, Seq: 1}, session.Condition{}, 900)
	if result != InsertAccepted {
		t.Fatalf("expected InsertAccepted, got %v", result)
	}
	if b.Len() != 1 {
		t.Errorf("expected 1 buffered chunk, got %d", b.Len())
	}
}

func TestInsertDroppedLate(t *testing.T) {
	b := New(newTestSession(), DefaultLimits())
	result := b.Insert(Chunk{SessionID: "s1", DeadlineMs: 500, Seq: 1}, session.Condition{}, 900)
	if result != InsertDroppedLate {
		t.Fatalf("expected InsertDroppedLate, got %v", result)
	}
	if b.Len() != 0 {
		t.Errorf("expected nothing buffered, got %d", b.Len())
	}
}

func TestInsertDroppedMemory(t *testing.T) {
	limits := DefaultLimits()
	limits.PerSessionMemoryBytes = 4
	b := New(newTestSession(), limits)
	result := b.Insert(Chunk{SessionID: "s1", DeadlineMs: 1000, Seq: 1, Payload: make([]byte, 8)}, session.Condition{}, 0)
	if result != InsertDroppedMemory {
		t.Fatalf("expected InsertDroppedMemory, got %v", result)
	}
}

func TestInsertEvictsOldestOnOverrun(t *testing.T) {
	limits := DefaultLimits()
	limits.TargetMs = 10 // maxChunks = ceil(2*10/5) = 4
	b := New(newTestSession(), limits)
	for i := uint32(0); i < 4; i++ {
		if r := b.Insert(Chunk{SessionID: "s1", DeadlineMs: int64(1000 + i), Seq: i}, session.Condition{}, 0); r != InsertAccepted {
			t.Fatalf("expected accept on chunk %d, got %v", i, r)
		}
	}
	result := b.Insert(Chunk{SessionID: "s1", DeadlineMs: 1004, Seq: 4}, session.Condition{}, 0)
	if result != InsertEvictedOldest {
		t.Fatalf("expected InsertEvictedOldest, got %v", result)
	}
	if b.Len() != 4 {
		t.Errorf("expected buffer capped at 4, got %d", b.Len())
	}
}

func TestTickReleasesInDeadlineOrder(t *testing.T) {
	b := New(newTestSession(), DefaultLimits())
	b.Insert(Chunk{SessionID: "s1", DeadlineMs: 1020, Seq: 2}, session.Condition{}, 0)
	b.Insert(Chunk{SessionID: "s1", DeadlineMs: 1010, Seq: 1}, session.Condition{}, 0)

	events, _ := b.Tick(2000)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Seq != 1 || events[1].Seq != 2 {
		t.Errorf("expected deadline-ascending release order, got seq %d then %d", events[0].Seq, events[1].Seq)
	}
}

func TestTickHoldsUntilBufferTimeElapses(t *testing.T) {
	limits := DefaultLimits()
	limits.TargetMs = 100
	limits.Adaptive = false
	b := New(newTestSession(), limits)
	b.Insert(Chunk{SessionID: "s1", DeadlineMs: 1000, Seq: 1}, session.Condition{}, 0)

	events, _ := b.Tick(1050) // deadline + bufferTime(100) = 1100, not yet elapsed
	if len(events) != 0 {
		t.Fatalf("expected chunk held, got %d events", len(events))
	}
	events, _ = b.Tick(1101)
	if len(events) != 1 {
		t.Fatalf("expected chunk released after buffer time elapsed, got %d", len(events))
	}
}

func TestTickReportsUnderrunAfterEmission(t *testing.T) {
	b := New(newTestSession(), DefaultLimits())
	b.Insert(Chunk{SessionID: "s1", DeadlineMs: 1000, Seq: 1}, session.Condition{}, 0)
	b.Tick(2000) // drains the only chunk, haveEmitted now true

	_, underrun := b.Tick(2001)
	if !underrun {
		t.Error("expected underrun once the buffer empties after having emitted")
	}
}

func TestTickNoUnderrunBeforeFirstEmission(t *testing.T) {
	b := New(newTestSession(), DefaultLimits())
	_, underrun := b.Tick(1000)
	if underrun {
		t.Error("expected no underrun on an empty buffer that has never emitted")
	}
}

func TestTickNoUnderrunWhileDraining(t *testing.T) {
	b := New(newTestSession(), DefaultLimits())
	b.Insert(Chunk{SessionID: "s1", DeadlineMs: 1000, Seq: 1}, session.Condition{}, 0)
	b.Tick(2000)
	b.SetDraining()

	_, underrun := b.Tick(2001)
	if underrun {
		t.Error("expected no underrun while draining")
	}
	if !b.Drained() {
		t.Error("expected Drained() true once empty and draining")
	}
}

func TestTickMarksOutOfOrder(t *testing.T) {
	limits := DefaultLimits()
	limits.TargetMs = 0
	limits.MinMs = 0
	b := New(newTestSession(), limits)
	// Chunk with the later deadline inserted first and ticked out first
	// (simulating it missing its earlier-scheduled neighbour).
	b.Insert(Chunk{SessionID: "s1", DeadlineMs: 2000, Seq: 2}, session.Condition{}, 0)
	events, _ := b.Tick(3000)
	if len(events) != 1 || events[0].OutOfOrder {
		t.Fatalf("expected the first emission to never be out of order, got %+v", events)
	}

	b.Insert(Chunk{SessionID: "s1", DeadlineMs: 1000, Seq: 1}, session.Condition{}, 0)
	events, _ = b.Tick(3000)
	if len(events) != 1 || !events[0].OutOfOrder {
		t.Fatalf("expected the late-arriving earlier-deadline chunk marked out of order, got %+v", events)
	}
}

func TestAdaptGrowsOnUnderrun(t *testing.T) {
	limits := DefaultLimits()
	limits.TargetMs = 100
	b := New(newTestSession(), limits)
	b.intervalUnderruns = 1

	decision := b.Adapt(session.Condition{})
	if !decision.Changed || decision.Reason != "underrun" {
		t.Fatalf("expected a growth decision, got %+v", decision)
	}
	if b.TargetMs() != 120 {
		t.Errorf("expected target grown to 120, got %f", b.TargetMs())
	}
}

func TestAdaptShrinksOnOverrunWithLowJitter(t *testing.T) {
	limits := DefaultLimits()
	limits.TargetMs = 100
	b := New(newTestSession(), limits)
	b.intervalOverruns = 1

	decision := b.Adapt(session.Condition{JitterMs: 2})
	if !decision.Changed || decision.Reason != "overrun" {
		t.Fatalf("expected a shrink decision, got %+v", decision)
	}
	if b.TargetMs() != 90 {
		t.Errorf("expected target shrunk to 90, got %f", b.TargetMs())
	}
}

func TestAdaptNoChangeOnOverrunWithHighJitter(t *testing.T) {
	limits := DefaultLimits()
	limits.TargetMs = 100
	b := New(newTestSession(), limits)
	b.intervalOverruns = 1

	decision := b.Adapt(session.Condition{JitterMs: 50})
	if decision.Changed {
		t.Fatalf("expected no change when jitter is high, got %+v", decision)
	}
}

func TestAdaptNoopWhenNotAdaptive(t *testing.T) {
	limits := DefaultLimits()
	limits.Adaptive = false
	b := New(newTestSession(), limits)
	b.intervalUnderruns = 5

	decision := b.Adapt(session.Condition{})
	if decision.Changed {
		t.Fatalf("expected no adaptation when Adaptive=false, got %+v", decision)
	}
}

func TestInsertRejectedAfterClose(t *testing.T) {
	b := New(newTestSession(), DefaultLimits())
	b.Close()
	result := b.Insert(Chunk{SessionID: "s1", DeadlineMs: 1000, Seq: 1}, session.Condition{}, 0)
	if result != InsertDroppedLate {
		t.Fatalf("expected closed buffer to reject inserts, got %v", result)
	}
}

func TestSharedLimitRejectsOverAggregateCap(t *testing.T) {
	shared := NewSharedLimit(10)
	limits := DefaultLimits()

	b1 := New(session.NewSession("s1", nil, session.Format{}, time.Now()), limits)
	b1.SetSharedLimit(shared)
	b2 := New(session.NewSession("s2", nil, session.Format{}, time.Now()), limits)
	b2.SetSharedLimit(shared)

	if result := b1.Insert(Chunk{SessionID: "s1", DeadlineMs: 1000, Seq: 1, Payload: make([]byte, 6)}, session.Condition{}, 0); result != InsertAccepted {
		t.Fatalf("expected first insert accepted, got %v", result)
	}
	// s1's own insert left only 4 bytes of aggregate headroom; s2 asking for
	// 6 must be rejected even though it is well within its own per-session cap.
	if result := b2.Insert(Chunk{SessionID: "s2", DeadlineMs: 1000, Seq: 1, Payload: make([]byte, 6)}, session.Condition{}, 0); result != InsertDroppedMemory {
		t.Fatalf("expected second session's insert dropped for aggregate memory pressure, got %v", result)
	}
	if shared.Used() != 6 {
		t.Errorf("expected aggregate usage to reflect only the accepted insert, got %d", shared.Used())
	}
}

func TestSharedLimitReleasedOnTick(t *testing.T) {
	shared := NewSharedLimit(10)
	limits := DefaultLimits()
	b := New(newTestSession(), limits)
	b.SetSharedLimit(shared)

	b.Insert(Chunk{SessionID: "s1", DeadlineMs: 1000, Seq: 1, Payload: make([]byte, 6)}, session.Condition{}, 0)
	if shared.Used() != 6 {
		t.Fatalf("expected 6 bytes reserved, got %d", shared.Used())
	}

	b.Tick(1100) // deadline 1000 + bufferTime 100
	if shared.Used() != 0 {
		t.Errorf("expected aggregate usage released after tick emits the chunk, got %d", shared.Used())
	}
}

func TestSharedLimitZeroDisablesCap(t *testing.T) {
	shared := NewSharedLimit(0)
	b := New(newTestSession(), DefaultLimits())
	b.SetSharedLimit(shared)

	result := b.Insert(Chunk{SessionID: "s1", DeadlineMs: 1000, Seq: 1, Payload: make([]byte, 1<<20)}, session.Condition{}, 0)
	if result != InsertAccepted {
		t.Fatalf("expected a zero aggregate limit to be unbounded, got %v", result)
	}
}
