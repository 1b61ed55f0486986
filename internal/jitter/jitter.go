// Package jitter implements the adaptive jitter buffer: chunks are ordered
// by deadline ascending, ties broken by sequence number, held for an
// adaptive interval, and released once deadline plus that interval has
// passed.
package jitter

import (
	"container/heap"
	"math"
	"sync"

	"github.com/claude-did-this/chip-audio-receiver/internal/session"
)

// Chunk is a post-sync TimedChunk ready for ordering/release.
type Chunk struct {
	SessionID    string
	Payload      []byte
	Format       uint8
	SampleRate   uint32
	DeadlineMs   int64
	DurationMs   float64
	Seq          uint32
	Subtitle     *Subtitle
	ReceivedAtMs int64

	// bufferTimeMs is the adaptive hold decorated onto the chunk at
	// insertion time.
	bufferTimeMs float64
	// outOfOrder marks a chunk emitted after a later-deadline neighbour
	// already went out.
	outOfOrder bool
}

// OutOfOrder reports whether this chunk is known to have been emitted after
// a later-deadline chunk already missed its slot.
func (c Chunk) OutOfOrder() bool { return c.outOfOrder }

// Subtitle carries the fields of SubtitleData needed downstream.
type Subtitle struct {
	Text           string
	StartOffsetMs  int64
	EndOffsetMs    int64
	TTSOffsetMs    int64
	HasConfidence  bool
	Confidence     float64
}

// Limits bundles the jitter buffer's size tunables.
type Limits struct {
	TargetMs float64
	MinMs    float64
	MaxMs    float64
	Adaptive bool

	PerSessionMemoryBytes uint64
}

// DefaultLimits returns the documented default tunables.
func DefaultLimits() Limits {
	return Limits{
		TargetMs:              100,
		MinMs:                 50,
		MaxMs:                 300,
		Adaptive:               true,
		PerSessionMemoryBytes: 50 * 1024 * 1024,
	}
}

const tickGranularityMs = 5

// SharedLimit enforces an aggregate memory cap across every session's
// buffer, on top of each buffer's own per-session Limits.PerSessionMemoryBytes
// cap. A zero-value limit (0 bytes) disables the aggregate check. A nil
// *SharedLimit behaves the same way, so buffers not given one are unbounded
// at this layer.
type SharedLimit struct {
	mu    sync.Mutex
	limit uint64
	used  uint64
}

// NewSharedLimit returns a SharedLimit capping aggregate usage at
// limitBytes. limitBytes of 0 disables the cap.
func NewSharedLimit(limitBytes uint64) *SharedLimit {
	return &SharedLimit{limit: limitBytes}
}

func (s *SharedLimit) reserve(n uint64) bool {
	if s == nil || s.limit == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used+n > s.limit {
		return false
	}
	s.used += n
	return true
}

func (s *SharedLimit) release(n uint64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if n > s.used {
		s.used = 0
	} else {
		s.used -= n
	}
	s.mu.Unlock()
}

// Used returns current aggregate usage in bytes.
func (s *SharedLimit) Used() uint64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// chunkHeap orders chunks by deadline ascending, ties broken by sequence.
type chunkHeap []*Chunk

func (h chunkHeap) Len() int { return len(h) }
func (h chunkHeap) Less(i, j int) bool {
	if h[i].DeadlineMs != h[j].DeadlineMs {
		return h[i].DeadlineMs < h[j].DeadlineMs
	}
	return h[i].Seq < h[j].Seq
}
func (h chunkHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *chunkHeap) Push(x any)   { *h = append(*h, x.(*Chunk)) }
func (h *chunkHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Buffer is a per-session adaptive jitter buffer.
type Buffer struct {
	limits Limits
	sess   *session.Session
	shared *SharedLimit

	heap chunkHeap

	targetBufferMs float64
	memoryBytes    uint64

	lastEmittedDeadline int64
	haveEmitted         bool

	draining bool
	closed   bool

	// Interval counters for the adaptation decision, reset by Adapt, which
	// the caller invokes at most every 5 seconds per session.
	intervalUnderruns int
	intervalOverruns  int
}

// New constructs a jitter buffer for sess with the given limits.
func New(sess *session.Session, limits Limits) *Buffer {
	return &Buffer{
		limits:         limits,
		sess:           sess,
		targetBufferMs: limits.TargetMs,
	}
}

// SetSharedLimit attaches the registry-wide aggregate memory cap this
// buffer's inserts are checked against, in addition to its own per-session
// cap. Set once, before the buffer starts accepting chunks.
func (b *Buffer) SetSharedLimit(s *SharedLimit) { b.shared = s }

// effectiveBufferTime computes the adaptive hold for this insert.
func (b *Buffer) effectiveBufferTime(cond session.Condition) float64 {
	base := b.targetBufferMs
	jitterPad := 2 * cond.JitterMs
	if jitterPad > 100 {
		jitterPad = 100
	}
	lossPad := 50 * cond.PacketLossRatio

	bt := base + jitterPad + lossPad
	if bt < b.limits.MinMs {
		bt = b.limits.MinMs
	}
	if bt > b.limits.MaxMs {
		bt = b.limits.MaxMs
	}
	return bt
}

func (b *Buffer) maxChunks() int {
	return int(math.Ceil(2 * b.targetBufferMs / tickGranularityMs))
}

// InsertResult reports the disposition of an Insert call.
type InsertResult int

const (
	InsertAccepted InsertResult = iota
	InsertDroppedLate
	InsertDroppedMemory
	InsertEvictedOldest
)

// Insert applies the insertion policy: a closed buffer or a chunk whose
// deadline is already before nowLocalMs is dropped late; a chunk over the
// per-session or shared memory cap is dropped for memory; otherwise the chunk
// is queued with its adaptive bufferTime, and the earliest-deadline chunk is
// evicted if the buffer then exceeds maxChunks. nowLocalMs is the current
// monotonic local time in ms.
func (b *Buffer) Insert(c Chunk, cond session.Condition, nowLocalMs int64) InsertResult {
	if b.closed {
		return InsertDroppedLate
	}

	bufferTime := b.effectiveBufferTime(cond)

	if c.DeadlineMs < nowLocalMs {
		b.sess.IncDroppedLate()
		return InsertDroppedLate
	}

	payloadBytes := uint64(len(c.Payload))
	if b.limits.PerSessionMemoryBytes > 0 && b.memoryBytes+payloadBytes > b.limits.PerSessionMemoryBytes {
		b.sess.IncDroppedMemory()
		return InsertDroppedMemory
	}
	if !b.shared.reserve(payloadBytes) {
		b.sess.IncDroppedMemory()
		return InsertDroppedMemory
	}

	c.bufferTimeMs = bufferTime
	heap.Push(&b.heap, &c)
	b.memoryBytes += payloadBytes

	result := InsertAccepted
	if max := b.maxChunks(); max > 0 && b.heap.Len() > max {
		oldest := heap.Pop(&b.heap).(*Chunk)
		oldestBytes := uint64(len(oldest.Payload))
		b.memoryBytes -= oldestBytes
		b.shared.release(oldestBytes)
		b.sess.IncOverrun()
		b.sess.IncDroppedOverrun()
		b.intervalOverruns++
		result = InsertEvictedOldest
	}
	return result
}

// PlayEvent is the downstream OnPlay event.
type PlayEvent struct {
	SessionID  string
	Payload    []byte
	Format     uint8
	SampleRate uint32
	DeadlineMs int64
	Seq        uint32
	Subtitle   *Subtitle
	OutOfOrder bool
}

// Tick releases every chunk whose (deadline + bufferTime) has elapsed,
// in deadline order. It returns the chunks to
// emit as OnPlay events, plus whether an underrun occurred on this tick
// (the buffer emptied while the session was not draining).
func (b *Buffer) Tick(nowLocalMs int64) (events []PlayEvent, underrun bool) {
	for b.heap.Len() > 0 {
		head := b.heap[0]
		if head.DeadlineMs+int64(head.bufferTimeMs) > nowLocalMs {
			break
		}
		chunk := heap.Pop(&b.heap).(*Chunk)
		chunkBytes := uint64(len(chunk.Payload))
		b.memoryBytes -= chunkBytes
		b.shared.release(chunkBytes)

		outOfOrder := b.haveEmitted && chunk.DeadlineMs < b.lastEmittedDeadline
		chunk.outOfOrder = outOfOrder
		if !outOfOrder {
			b.lastEmittedDeadline = chunk.DeadlineMs
		}
		b.haveEmitted = true

		events = append(events, PlayEvent{
			SessionID:  chunk.SessionID,
			Payload:    chunk.Payload,
			Format:     chunk.Format,
			SampleRate: chunk.SampleRate,
			DeadlineMs: chunk.DeadlineMs,
			Seq:        chunk.Seq,
			Subtitle:   chunk.Subtitle,
			OutOfOrder: outOfOrder,
		})
	}

	// haveEmitted guards the very first tick of a session, before any chunk
	// has ever been inserted, from counting as an underrun.
	if b.heap.Len() == 0 && b.haveEmitted && !b.draining {
		underrun = true
		b.sess.IncUnderrun()
		b.intervalUnderruns++
	}
	return events, underrun
}

// Len returns the number of chunks currently buffered.
func (b *Buffer) Len() int { return b.heap.Len() }

// BufferedMs approximates currently-buffered audio duration by summing
// chunk durations. Nothing in this package gates release on it; Tick
// releases purely on deadline plus bufferTime.
func (b *Buffer) BufferedMs() float64 {
	var total float64
	for _, c := range b.heap {
		total += c.DurationMs
	}
	return total
}

// SetDraining marks the buffer draining: Tick no longer counts emptying as
// an underrun.
func (b *Buffer) SetDraining() { b.draining = true }

// Drained reports whether a draining buffer has fully emptied.
func (b *Buffer) Drained() bool { return b.draining && b.heap.Len() == 0 }

// Close tears the buffer down; further Insert calls are rejected.
func (b *Buffer) Close() { b.closed = true }

// AdaptationDecision is returned by Adapt to describe what changed.
type AdaptationDecision struct {
	Changed       bool
	NewTargetMs   float64
	Reason        string // "underrun" or "overrun"
}

// Adapt evaluates the interval counters against the adaptation rule and
// resets them. Callers invoke this at most every 5 seconds per session.
func (b *Buffer) Adapt(cond session.Condition) AdaptationDecision {
	defer func() {
		b.intervalUnderruns = 0
		b.intervalOverruns = 0
	}()

	if !b.limits.Adaptive {
		return AdaptationDecision{}
	}

	switch {
	case b.intervalUnderruns > 0:
		newTarget := b.targetBufferMs * 1.2
		if newTarget > b.limits.MaxMs {
			newTarget = b.limits.MaxMs
		}
		if newTarget == b.targetBufferMs {
			return AdaptationDecision{}
		}
		b.targetBufferMs = newTarget
		return AdaptationDecision{Changed: true, NewTargetMs: newTarget, Reason: "underrun"}
	case b.intervalOverruns > 0 && cond.JitterMs < 10:
		newTarget := b.targetBufferMs * 0.9
		if newTarget < b.limits.MinMs {
			newTarget = b.limits.MinMs
		}
		if newTarget == b.targetBufferMs {
			return AdaptationDecision{}
		}
		b.targetBufferMs = newTarget
		return AdaptationDecision{Changed: true, NewTargetMs: newTarget, Reason: "overrun"}
	}
	return AdaptationDecision{}
}

// TargetMs returns the current target buffer duration.
func (b *Buffer) TargetMs() float64 { return b.targetBufferMs }
