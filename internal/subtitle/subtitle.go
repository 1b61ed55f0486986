// Package subtitle schedules show/hide events anchored to the sync
// engine's timeline. It uses a per-session min-heap of pending deadlines
// rather than one timer per event, so a session with many subtitle cues
// costs one heap instead of a goroutine or timer per cue.
package subtitle

import (
	"container/heap"
)

// EventKind distinguishes Show from Hide.
type EventKind int

const (
	KindShow EventKind = iota
	KindHide
)

// Event is a scheduled ShowSubtitle/HideSubtitle emission.
type Event struct {
	SessionID string
	Kind      EventKind
	Text      string
	AtMs      int64
	Late      bool

	// recordID ties a Show/Hide pair together so pairs can be cancelled
	// together on rescheduling.
	recordID uint64
}

// record is the internal bookkeeping for one SubtitleData's show/hide pair.
type record struct {
	id            uint64
	text          string
	startOffsetMs int64
	endOffsetMs   int64
}

type pending struct {
	atMs     int64
	kind     EventKind
	recordID uint64
}

type pendingHeap []*pending

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return h[i].atMs < h[j].atMs }
func (h pendingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)         { *h = append(*h, x.(*pending)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Scheduler manages pending subtitle events for one session.
type Scheduler struct {
	sessionID string
	heap      pendingHeap
	records   map[uint64]record
	nextID    uint64
}

// NewScheduler returns an empty scheduler for sessionID.
func NewScheduler(sessionID string) *Scheduler {
	return &Scheduler{sessionID: sessionID, records: make(map[uint64]record)}
}

// Schedule arms a show/hide pair from audioStartLocalMs (the sync engine's
// baseline anchor) and the subtitle's start/end offsets.
func (s *Scheduler) Schedule(audioStartLocalMs int64, text string, startOffsetMs, endOffsetMs int64) {
	s.nextID++
	id := s.nextID
	s.records[id] = record{id: id, text: text, startOffsetMs: startOffsetMs, endOffsetMs: endOffsetMs}

	heap.Push(&s.heap, &pending{atMs: audioStartLocalMs + startOffsetMs, kind: KindShow, recordID: id})
	heap.Push(&s.heap, &pending{atMs: audioStartLocalMs + endOffsetMs, kind: KindHide, recordID: id})
}

// Tick pops every pending event due at or before nowLocalMs, in order.
// Events already in the past when popped are flagged Late.
func (s *Scheduler) Tick(nowLocalMs int64) []Event {
	var out []Event
	for s.heap.Len() > 0 && s.heap[0].atMs <= nowLocalMs {
		p := heap.Pop(&s.heap).(*pending)
		rec, ok := s.records[p.recordID]
		if !ok {
			continue // cancelled
		}
		out = append(out, Event{
			SessionID: s.sessionID,
			Kind:      p.kind,
			Text:      rec.text,
			AtMs:      p.atMs,
			Late:      p.atMs < nowLocalMs,
		})
		if p.kind == KindHide {
			delete(s.records, p.recordID)
		}
	}
	return out
}

// Reschedule cancels every currently-pending event and re-arms them from a
// new audioStartLocalMs, preserving each record's original offsets. Called
// when a clock-offset slew invalidates previously computed event times.
func (s *Scheduler) Reschedule(newAudioStartLocalMs int64) {
	old := s.heap
	s.heap = nil
	for _, p := range old {
		rec, ok := s.records[p.recordID]
		if !ok {
			continue
		}
		offset := rec.startOffsetMs
		if p.kind == KindHide {
			offset = rec.endOffsetMs
		}
		heap.Push(&s.heap, &pending{atMs: newAudioStartLocalMs + offset, kind: p.kind, recordID: p.recordID})
	}
}

// Pending returns the number of pending show/hide events.
func (s *Scheduler) Pending() int { return s.heap.Len() }
