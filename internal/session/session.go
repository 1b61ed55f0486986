// Package session holds per-session state: the registry of live sessions,
// the sequence-number cursor, and the network-condition estimator.
// Mutation of a given session's fields is single-writer: the receiver owns
// ingest-side fields, the jitter tick task owns emission-side fields.
package session

import (
	"net"
	"sync"
	"time"
)

// State is the session lifecycle state machine.
type State int

const (
	StatePending State = iota
	StateActive
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Condition is the sliding network-condition estimate for a session.
type Condition struct {
	AvgLatencyMs     float64
	JitterMs         float64
	PacketLossRatio  float64
	BandwidthBps     float64

	latencySamples uint64
	latencySum     float64

	lastPlaybackTS   uint64
	havePlaybackTS   bool
	totalPayloadBytes uint64

	firstObservedAt time.Time
	lastObservedAt  time.Time

	received  uint64
	lost      uint64
}

const jitterSmoothingAlpha = 0.1

// observe folds one accepted packet's measurements into the estimate.
// nowLocalMs is the local monotonic receive time in ms; ttsMs is the
// sender-clock timestamp; playbackTS is the sender-clock playback_ts used to
// derive expected inter-arrival spacing.
func (c *Condition) observe(nowLocalMs int64, ttsMs uint64, playbackTS uint64, payloadBytes int, now time.Time) {
	latency := float64(nowLocalMs) - float64(ttsMs)
	c.latencySamples++
	c.latencySum += latency
	c.AvgLatencyMs = c.latencySum / float64(c.latencySamples)

	if c.havePlaybackTS {
		expectedInterarrival := int64(playbackTS) - int64(c.lastPlaybackTS)
		observedInterarrival := now.Sub(c.lastObservedAt).Milliseconds()
		errMs := float64(observedInterarrival) - float64(expectedInterarrival)
		if errMs < 0 {
			errMs = -errMs
		}
		c.JitterMs = (1-jitterSmoothingAlpha)*c.JitterMs + jitterSmoothingAlpha*errMs
	}
	c.lastPlaybackTS = playbackTS
	c.havePlaybackTS = true

	if c.firstObservedAt.IsZero() {
		c.firstObservedAt = now
	}
	c.lastObservedAt = now

	c.totalPayloadBytes += uint64(payloadBytes)
	c.received++

	durS := now.Sub(c.firstObservedAt).Seconds()
	if durS > 0 {
		c.BandwidthBps = float64(c.totalPayloadBytes) * 8 / durS
	}
}

func (c *Condition) recordLoss(n uint64) {
	c.lost += n
	total := c.received + c.lost
	if total > 0 {
		c.PacketLossRatio = float64(c.lost) / float64(total)
	}
}

// resolveReorder un-counts one previously inferred loss now that the
// sequence number it belonged to has actually arrived, late.
func (c *Condition) resolveReorder() {
	if c.lost > 0 {
		c.lost--
	}
	total := c.received + c.lost
	if total > 0 {
		c.PacketLossRatio = float64(c.lost) / float64(total)
	}
}

// Snapshot returns a copy of the estimate safe to read without the owning
// session's lock (callers take one atomically via Session.Condition()).
func (c *Condition) Snapshot() Condition {
	cp := *c
	return cp
}

// Format describes the audio format declared for a session.
type Format struct {
	Codec      string // "pcm", "mp3", "opus"
	SampleRate uint32
}

// Stats are the cumulative per-session counters emitted as SESSION_ENDED
// statistics.
type Stats struct {
	Received        uint64
	Lost            uint64
	Duplicate       uint64
	Reordered       uint64
	OutOfWindow     uint64
	DroppedLate     uint64
	DroppedOverrun  uint64
	DroppedMemory   uint64
	Underruns       uint64
	Overruns        uint64
	MeanLatencyMs   float64
	MeanJitterMs    float64
	TotalAudioMs    float64
	StartedAt       time.Time
	EndedAt         time.Time
}

// TotalObserved implements the invariant:
// received + lost + duplicate + out_of_window == total_observed.
func (s Stats) TotalObserved() uint64 {
	return s.Received + s.Lost + s.Duplicate + s.OutOfWindow
}

// Session is a single active data-plane session.
type Session struct {
	mu sync.Mutex

	ID             string
	RemoteAddr     *net.UDPAddr
	Fmt            Format
	ExpectedSeq    uint32
	haveSeq        bool
	State          State
	CreatedAt      time.Time
	LastPacketAt   time.Time

	condition Condition
	stats     Stats

	// MemoryBytes is not updated by this package or by the jitter buffer,
	// which keeps its own byte count for the per-session memory cap.
	MemoryBytes uint64
}

// NewSession constructs a Pending session for id, registered endpoint and
// declared format.
func NewSession(id string, remote *net.UDPAddr, fmt Format, now time.Time) *Session {
	return &Session{
		ID:         id,
		RemoteAddr: remote,
		Fmt:        fmt,
		State:      StatePending,
		CreatedAt:  now,
		stats:      Stats{StartedAt: now},
	}
}

// SeqDisposition is the outcome of the ingest-side sequence bookkeeping:
// "accept", "duplicate", or "reorder". The expected-sequence cursor is
// advanced only on "accept".
type SeqDisposition int

const (
	SeqAccept SeqDisposition = iota
	SeqDuplicate
	SeqReorder
)

// CheckSequence must be called with the session lock held by the caller's
// single ingest writer (the receiver task); it is not internally locked so
// the receiver can batch it with other ingest-only field updates.
func (s *Session) CheckSequence(seq uint32) SeqDisposition {
	if !s.haveSeq {
		s.haveSeq = true
		s.ExpectedSeq = seq + 1
		s.stats.Received++
		return SeqAccept
	}

	// Forward distance, treating sequence space as wrapping (handles the
	// 2^32-1 -> 0 rollover as forward progress).
	dist := int32(seq - s.ExpectedSeq)
	switch {
	case dist == 0:
		s.ExpectedSeq = seq + 1
		s.stats.Received++
		return SeqAccept
	case dist > 0:
		lost := uint64(dist)
		s.stats.Lost += lost
		s.condition.recordLoss(lost)
		s.ExpectedSeq = seq + 1
		s.stats.Received++
		return SeqAccept
	case dist == -1:
		s.stats.Duplicate++
		return SeqDuplicate
	default:
		// seq < expected_seq - 1: stale/reordered but potentially still
		// useful. This sequence number was previously counted as lost when
		// the gap was first observed; now that it has arrived, un-count it.
		s.stats.Reordered++
		s.stats.Received++
		if s.stats.Lost > 0 {
			s.stats.Lost--
		}
		s.condition.resolveReorder()
		return SeqReorder
	}
}

// Observe folds one accepted packet's arrival measurements into the
// network-condition estimator. Caller holds the lock.
func (s *Session) Observe(nowLocalMs int64, ttsMs uint64, playbackTS uint64, payloadBytes int, now time.Time) {
	s.condition.observe(nowLocalMs, ttsMs, playbackTS, payloadBytes, now)
	s.LastPacketAt = now
}

// Lock/Unlock expose the session mutex to callers that need to hold it
// across several field touches (receiver ingest, jitter emission).
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// Condition returns a snapshot of the current network condition estimate.
func (s *Session) Condition() Condition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.condition.Snapshot()
}

// Stats returns a snapshot of the cumulative counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// IncDroppedLate/Overrun/Memory/Underrun/Overrun record jitter-buffer-side
// counters. These are called by the jitter package, which
// holds its own session reference and is the sole writer of these fields.
func (s *Session) IncDroppedLate()    { s.mu.Lock(); s.stats.DroppedLate++; s.mu.Unlock() }
func (s *Session) IncDroppedOverrun() { s.mu.Lock(); s.stats.DroppedOverrun++; s.mu.Unlock() }
func (s *Session) IncDroppedMemory()  { s.mu.Lock(); s.stats.DroppedMemory++; s.mu.Unlock() }
func (s *Session) IncUnderrun()       { s.mu.Lock(); s.stats.Underruns++; s.mu.Unlock() }
func (s *Session) IncOverrun()        { s.mu.Lock(); s.stats.Overruns++; s.mu.Unlock() }
func (s *Session) IncOutOfWindow()    { s.mu.Lock(); s.stats.OutOfWindow++; s.mu.Unlock() }
func (s *Session) AddAudioMs(ms float64) {
	s.mu.Lock()
	s.stats.TotalAudioMs += ms
	s.mu.Unlock()
}

// SetState transitions the session's lifecycle state.
func (s *Session) SetState(st State) {
	s.mu.Lock()
	s.State = st
	s.mu.Unlock()
}

// GetState returns the current lifecycle state.
func (s *Session) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// FinalStats freezes the cumulative counters at session end, stamping
// EndedAt, for inclusion in a SESSION_ENDED message.
func (s *Session) FinalStats(now time.Time) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.EndedAt = now
	cond := s.condition
	st.MeanLatencyMs = cond.AvgLatencyMs
	st.MeanJitterMs = cond.JitterMs
	return st
}
