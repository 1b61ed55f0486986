// Package core wires the datagram receiver, sync engine, jitter buffer and
// subtitle scheduler into one per-session pipeline, and exposes the
// control-plane contract (SESSION_START/SESSION_READY/SESSION_END/
// SESSION_ENDED) an external broker client drives. It never touches a
// broker or a platform audio sink directly; both are narrow interfaces
// supplied by the embedder.
package core

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/claude-did-this/chip-audio-receiver/internal/clocksync"
	"github.com/claude-did-this/chip-audio-receiver/internal/jitter"
	"github.com/claude-did-this/chip-audio-receiver/internal/receiver"
	"github.com/claude-did-this/chip-audio-receiver/internal/session"
	"github.com/claude-did-this/chip-audio-receiver/internal/subtitle"
	"github.com/claude-did-this/chip-audio-receiver/internal/telemetry"
	"github.com/claude-did-this/chip-audio-receiver/internal/wire"
)

// Sink is the narrow capability set a platform audio/subtitle consumer
// implements. Play is called once per released chunk; ShowSubtitle and
// HideSubtitle are called from the same tick loop, so implementations must
// not block for long.
type Sink interface {
	Play(ev PlayEvent) error
	ShowSubtitle(sessionID, text string)
	HideSubtitle(sessionID, text string)
	Underrun(sessionID string)
	Drain(sessionID string)
}

// PlayEvent is the abstract "play this buffer at time T" event delivered to
// a Sink.
type PlayEvent struct {
	SessionID    string
	Payload      []byte
	Format       wire.Format
	SampleRate   uint32
	DeadlineMs   int64
	Sequence     uint32
	OutOfOrder   bool
}

// StartRequest mirrors a SESSION_START control-plane message.
type StartRequest struct {
	SessionID        string
	RemoteHost       string
	RemotePort       int
	Format           wire.Format
	SampleRate       uint32
	EstimatedDurationMs uint64
}

// ReadyResponse mirrors the SESSION_READY reply sent back on the control
// plane once a session is registered and ready to receive datagrams.
type ReadyResponse struct {
	SessionID       string
	ReceiverReady   bool
	UDPEndpoint     string
	BufferSizeMs    uint32
}

// EndReason mirrors the SESSION_END reason enum.
type EndReason string

const (
	ReasonCompleted        EndReason = "COMPLETED"
	ReasonError            EndReason = "ERROR"
	ReasonTimeout          EndReason = "TIMEOUT"
	ReasonClientDisconnect EndReason = "CLIENT_DISCONNECT"
)

// EndedNotice mirrors the SESSION_ENDED confirmation, carrying final
// per-session statistics back to the control plane.
type EndedNotice struct {
	SessionID string
	Reason    EndReason
	Stats     session.Stats
}

// ControlPlane is the contract the negotiator drives; an implementation
// (e.g. an MQTT client) turns these calls into wire messages and turns
// inbound wire messages into calls to Negotiator.HandleStart/HandleEnd.
type ControlPlane interface {
	PublishReady(ReadyResponse) error
	PublishEnded(EndedNotice) error
}

const drainTimeout = 2 * time.Second

// maxConsecutiveSinkErrors bounds how many consecutive Sink.Play failures a
// session tolerates before the negotiator gives up on it and tears it down
// with ReasonError, rather than retrying a sink that is never going to
// recover on its own.
const maxConsecutiveSinkErrors = 5

type sessionPipeline struct {
	sess      *session.Session
	engine    *clocksync.Engine
	duration  clocksync.DurationEstimator
	buffer    *jitter.Buffer
	subtitles *subtitle.Scheduler
	lastAdapt time.Time
	lastStats session.Stats

	drainNotified         bool
	consecutiveSinkErrors int
	breakerTripped        bool
}

// diffU64 returns the non-negative increase from prev to curr, or 0 if curr
// has not grown (including the case where a counter that can both increment
// and decrement, like Stats.Lost on a reorder, has gone down). Prometheus
// counters reject negative Add calls, so callers syncing a Counter from a
// plain stats field must never pass it a negative delta.
func diffU64(curr, prev uint64) uint64 {
	if curr <= prev {
		return 0
	}
	return curr - prev
}

// Negotiator is the orchestration surface wiring a SESSION_START to
// receiver/registry setup, forwarding per-packet events through the sync
// engine and jitter buffer, and tearing everything down on SESSION_END.
type Negotiator struct {
	registry     *session.Registry
	limits       jitter.Limits
	sink         Sink
	cp           ControlPlane
	log          *telemetry.Logger
	metrics      *telemetry.Metrics
	sharedMemory *jitter.SharedLimit

	sessionTimeout time.Duration
	udpEndpoint    string

	mu        sync.Mutex
	pipelines map[string]*sessionPipeline
}

// SetControlPlane attaches the control-plane publisher after construction,
// for callers that must construct the Negotiator before the control-plane
// client exists (the MQTT client's subscription handlers need a Negotiator
// reference to dispatch into).
func (n *Negotiator) SetControlPlane(cp ControlPlane) {
	n.mu.Lock()
	n.cp = cp
	n.mu.Unlock()
}

// NewNegotiator constructs a Negotiator. udpEndpoint is advertised in
// SESSION_READY as the address senders should stream datagrams to.
// totalMemoryBytes caps aggregate jitter-buffer memory across every session
// registered with this negotiator; 0 disables the aggregate cap.
func NewNegotiator(registry *session.Registry, limits jitter.Limits, sink Sink, cp ControlPlane, log *telemetry.Logger, metrics *telemetry.Metrics, sessionTimeout time.Duration, udpEndpoint string, totalMemoryBytes uint64) *Negotiator {
	return &Negotiator{
		registry:       registry,
		limits:         limits,
		sink:           sink,
		cp:             cp,
		log:            log,
		metrics:        metrics,
		sharedMemory:   jitter.NewSharedLimit(totalMemoryBytes),
		sessionTimeout: sessionTimeout,
		udpEndpoint:    udpEndpoint,
		pipelines:      make(map[string]*sessionPipeline),
	}
}

// HandleStart processes a SESSION_START: registers the session and its
// pipeline state, and publishes SESSION_READY back on the control plane.
// The registry entry's remote endpoint starts as the control-plane-declared
// address; when one is declared, the receiver replaces it with the first
// datagram's source address (same IP, port learned), since the declared
// port and the data-plane source port may legitimately differ (NAT). With
// no declared host, no endpoint check is made.
func (n *Negotiator) HandleStart(req StartRequest) error {
	now := time.Now()
	fmt := session.Format{Codec: req.Format.String(), SampleRate: req.SampleRate}

	var remote *net.UDPAddr
	if req.RemoteHost != "" {
		if addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(req.RemoteHost, strconv.Itoa(req.RemotePort))); err == nil {
			remote = addr
		} else if n.log != nil {
			n.log.Printf("session %s: could not resolve remote endpoint %s:%d: %v", req.SessionID, req.RemoteHost, req.RemotePort, err)
		}
	}
	sess := n.registry.Register(req.SessionID, remote, fmt, now)

	buf := jitter.New(sess, n.limits)
	buf.SetSharedLimit(n.sharedMemory)

	n.mu.Lock()
	n.pipelines[req.SessionID] = &sessionPipeline{
		sess:      sess,
		engine:    clocksync.NewEngine(),
		buffer:    buf,
		subtitles: subtitle.NewScheduler(req.SessionID),
	}
	n.mu.Unlock()

	if n.metrics != nil {
		n.metrics.SessionsActive.Set(float64(n.registry.Len()))
	}
	if n.log != nil {
		n.log.Printf("session %s started, format=%s rate=%d", req.SessionID, req.Format, req.SampleRate)
	}

	if n.cp == nil {
		return nil
	}
	return n.cp.PublishReady(ReadyResponse{
		SessionID:     req.SessionID,
		ReceiverReady: true,
		UDPEndpoint:   n.udpEndpoint,
		BufferSizeMs:  uint32(n.limits.TargetMs),
	})
}

// HandleEnd processes a SESSION_END: marks the session draining, and tears
// it down once the jitter buffer empties or drainTimeout elapses, whichever
// comes first, then replies with SESSION_ENDED.
func (n *Negotiator) HandleEnd(sessionID string, reason EndReason) {
	n.mu.Lock()
	p, ok := n.pipelines[sessionID]
	n.mu.Unlock()
	if !ok {
		return
	}

	p.sess.SetState(session.StateDraining)
	p.buffer.SetDraining()

	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) && p.buffer.Len() > 0 {
		time.Sleep(5 * time.Millisecond)
	}

	n.teardown(sessionID, reason)
}

func (n *Negotiator) teardown(sessionID string, reason EndReason) {
	n.mu.Lock()
	delete(n.pipelines, sessionID)
	n.mu.Unlock()

	stats, ok := n.registry.Deregister(sessionID, time.Now())
	if !ok {
		return
	}
	if n.metrics != nil {
		n.metrics.SessionsActive.Set(float64(n.registry.Len()))
	}
	if n.log != nil {
		n.log.Printf("session %s ended (%s): received=%d lost=%d duplicate=%d", sessionID, reason, stats.Received, stats.Lost, stats.Duplicate)
	}
	if n.cp != nil {
		_ = n.cp.PublishEnded(EndedNotice{SessionID: sessionID, Reason: reason, Stats: stats})
	}
}

// Handler returns the receiver.Handler that feeds accepted packets through
// the sync engine and into the jitter buffer for the named session's
// pipeline. Intended to be passed to receiver.New/NewWithSock.
func (n *Negotiator) Handler() receiver.Handler {
	return func(sess *session.Session, pkt wire.Packet, receivedAt time.Time) {
		n.mu.Lock()
		p, ok := n.pipelines[sess.ID]
		n.mu.Unlock()
		if !ok {
			return
		}

		cond := sess.Condition()
		nowLocalMs := receivedAt.UnixMilli()

		if !p.engine.Established() {
			p.engine.EstablishBaseline(pkt, nowLocalMs, cond.AvgLatencyMs, cond.AvgLatencyMs > 0)
		}

		deadline := p.engine.Deadline(pkt, cond.JitterMs, nowLocalMs)
		durationMs := p.duration.Estimate(pkt, 1)

		chunk := jitter.Chunk{
			SessionID:    sess.ID,
			Payload:      pkt.Payload,
			Format:       uint8(pkt.Format),
			SampleRate:   pkt.SampleRate,
			DeadlineMs:   deadline,
			DurationMs:   durationMs,
			Seq:          pkt.Seq,
			ReceivedAtMs: nowLocalMs,
		}

		result := p.buffer.Insert(chunk, cond, nowLocalMs)
		if n.metrics != nil {
			n.metrics.PacketsReceived.WithLabelValues(sess.ID).Inc()
			n.metrics.JitterMs.WithLabelValues(sess.ID).Set(cond.JitterMs)
			n.metrics.LatencyMs.WithLabelValues(sess.ID).Set(cond.AvgLatencyMs)
			n.metrics.BufferTargetMs.WithLabelValues(sess.ID).Set(p.buffer.TargetMs())
			if result == jitter.InsertDroppedLate {
				n.metrics.DroppedLate.WithLabelValues(sess.ID).Inc()
			}
			// DroppedMemory and Overruns are synced from cumulative session
			// stats on each Tick instead of incremented here; the overrun
			// eviction inside buffer.Insert bumps Overruns without a
			// result value of its own beyond InsertEvictedOldest.
		}
	}
}

// Tick drives every live session's jitter buffer and subtitle scheduler
// forward to nowLocalMs, delivering PlayEvent/Underrun/ShowSubtitle/
// HideSubtitle callbacks to the Sink. Intended to be called on a ~5ms
// ticker by the embedder.
func (n *Negotiator) Tick(nowLocalMs int64) {
	n.mu.Lock()
	pipelines := make(map[string]*sessionPipeline, len(n.pipelines))
	for id, p := range n.pipelines {
		pipelines[id] = p
	}
	n.mu.Unlock()

	var breakerTrips []string

	for id, p := range pipelines {
		if p.breakerTripped {
			continue
		}

		events, underrun := p.buffer.Tick(nowLocalMs)
		for _, ev := range events {
			if err := n.sink.Play(PlayEvent{
				SessionID:  ev.SessionID,
				Payload:    ev.Payload,
				Format:     wire.Format(ev.Format),
				SampleRate: ev.SampleRate,
				DeadlineMs: ev.DeadlineMs,
				Sequence:   ev.Seq,
				OutOfOrder: ev.OutOfOrder,
			}); err != nil {
				p.consecutiveSinkErrors++
				if n.log != nil {
					n.log.Printf("session %s sink play error (%d consecutive): %v", id, p.consecutiveSinkErrors, err)
				}
				if p.consecutiveSinkErrors >= maxConsecutiveSinkErrors {
					p.breakerTripped = true
					breakerTrips = append(breakerTrips, id)
					break
				}
			} else {
				p.consecutiveSinkErrors = 0
			}
		}
		if p.breakerTripped {
			continue
		}
		if underrun {
			n.sink.Underrun(id)
		}

		for _, sev := range p.subtitles.Tick(nowLocalMs) {
			switch sev.Kind {
			case subtitle.KindShow:
				n.sink.ShowSubtitle(id, sev.Text)
			case subtitle.KindHide:
				n.sink.HideSubtitle(id, sev.Text)
			}
		}

		if time.Since(p.lastAdapt) >= 5*time.Second {
			cond := p.sess.Condition()
			if decision := p.buffer.Adapt(cond); decision.Changed && n.log != nil {
				n.log.Printf("session %s buffer target -> %.0fms (%s)", id, decision.NewTargetMs, decision.Reason)
			}
			switch status, adjustment := p.engine.AdaptToCondition(cond.AvgLatencyMs); status {
			case clocksync.DriftSlewed:
				if n.log != nil {
					n.log.Printf("session %s clock drift slewed by %.1fms", id, adjustment)
				}
				p.subtitles.Reschedule(p.engine.BaselineSnapshot().AudioStartLocalMs)
			case clocksync.DriftReportedOnly:
				if n.log != nil {
					n.log.Printf("session %s clock drift %.1fms exceeds auto-correction threshold", id, adjustment)
				}
			}
			p.lastAdapt = time.Now()
		}

		if n.metrics != nil {
			curr := p.sess.Stats()
			if d := diffU64(curr.Lost, p.lastStats.Lost); d > 0 {
				n.metrics.PacketsLost.WithLabelValues(id).Add(float64(d))
			}
			if d := diffU64(curr.Duplicate, p.lastStats.Duplicate); d > 0 {
				n.metrics.PacketsDuplicate.WithLabelValues(id).Add(float64(d))
			}
			if d := diffU64(curr.Underruns, p.lastStats.Underruns); d > 0 {
				n.metrics.Underruns.WithLabelValues(id).Add(float64(d))
			}
			if d := diffU64(curr.Overruns, p.lastStats.Overruns); d > 0 {
				n.metrics.Overruns.WithLabelValues(id).Add(float64(d))
			}
			if d := diffU64(curr.DroppedMemory, p.lastStats.DroppedMemory); d > 0 {
				n.metrics.DroppedMemory.WithLabelValues(id).Add(float64(d))
			}
			p.lastStats = curr
		}

		if !p.drainNotified && p.buffer.Drained() && p.sess.GetState() == session.StateDraining {
			p.drainNotified = true
			n.sink.Drain(id)
		}
	}

	for _, id := range breakerTrips {
		go n.HandleEnd(id, ReasonError)
	}
}

// ScheduleSubtitle arms a show/hide pair for sessionID, anchored to that
// session's established sync baseline. A no-op if the baseline has not yet
// been established (no packet received) or the session is unknown.
func (n *Negotiator) ScheduleSubtitle(sessionID, text string, startOffsetMs, endOffsetMs int64) {
	n.mu.Lock()
	p, ok := n.pipelines[sessionID]
	n.mu.Unlock()
	if !ok || !p.engine.Established() {
		return
	}
	p.subtitles.Schedule(p.engine.BaselineSnapshot().AudioStartLocalMs, text, startOffsetMs, endOffsetMs)
}

// RunIdleSweep periodically reaps sessions idle longer than the configured
// session timeout, ending them with reason TIMEOUT.
func (n *Negotiator) RunIdleSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range n.registry.ExpireIdle(time.Now(), n.sessionTimeout) {
				n.HandleEnd(id, ReasonTimeout)
			}
		}
	}
}
