package core

import (
	"testing"
	"time"

	"github.com/claude-did-this/chip-audio-receiver/internal/jitter"
	"github.com/claude-did-this/chip-audio-receiver/internal/session"
	"github.com/claude-did-this/chip-audio-receiver/internal/wire"
)

type fakeSink struct {
	playCalls     int
	playErr       error
	shown, hidden []string
	underruns     []string
	drains        []string
}

func (f *fakeSink) Play(ev PlayEvent) error {
	f.playCalls++
	return f.playErr
}
func (f *fakeSink) ShowSubtitle(sessionID, text string) { f.shown = append(f.shown, text) }
func (f *fakeSink) HideSubtitle(sessionID, text string) { f.hidden = append(f.hidden, text) }
func (f *fakeSink) Underrun(sessionID string)            { f.underruns = append(f.underruns, sessionID) }
func (f *fakeSink) Drain(sessionID string)               { f.drains = append(f.drains, sessionID) }

func newTestNegotiator(sink Sink) *Negotiator {
	registry := session.NewRegistry()
	limits := jitter.DefaultLimits()
	return NewNegotiator(registry, limits, sink, nil, nil, nil, time.Minute, "127.0.0.1:8001", 0)
}

func feedPacket(t *testing.T, n *Negotiator, seq uint32, receivedAtMs int64) {
	t.Helper()
	sess := n.registry.Lookup("s1")
	if sess == nil {
		t.Fatal("expected session s1 registered")
	}
	sess.Lock()
	sess.CheckSequence(seq)
	sess.Observe(receivedAtMs, uint64(receivedAtMs), uint64(seq)*20, 2, time.UnixMilli(receivedAtMs))
	sess.Unlock()

	n.Handler()(sess, wire.Packet{
		SessionID:    "s1",
		Seq:          seq,
		SenderTSMs:   uint64(receivedAtMs),
		PlaybackTSMs: uint64(seq) * 20,
		Format:       wire.FormatPCM,
		SampleRate:   16000,
		Payload:      []byte{0, 0},
	}, time.UnixMilli(receivedAtMs))
}

func TestTickCircuitBreakerTripsAfterConsecutiveSinkErrors(t *testing.T) {
	sink := &fakeSink{playErr: errSinkUnavailable}
	n := newTestNegotiator(sink)

	if err := n.HandleStart(StartRequest{SessionID: "s1", Format: wire.FormatPCM, SampleRate: 16000}); err != nil {
		t.Fatalf("unexpected HandleStart error: %v", err)
	}

	base := int64(1_000_000)
	for seq := uint32(1); seq <= uint32(maxConsecutiveSinkErrors+3); seq++ {
		feedPacket(t, n, seq, base+int64(seq))
	}

	n.Tick(base + 10_000)

	if sink.playCalls != maxConsecutiveSinkErrors {
		t.Errorf("expected the breaker to stop Play calls at %d, got %d", maxConsecutiveSinkErrors, sink.playCalls)
	}

	n.mu.Lock()
	p := n.pipelines["s1"]
	n.mu.Unlock()
	if !p.breakerTripped {
		t.Errorf("expected breakerTripped after %d consecutive errors", maxConsecutiveSinkErrors)
	}
}

func TestTickResetsConsecutiveErrorsOnSuccess(t *testing.T) {
	sink := &fakeSink{}
	n := newTestNegotiator(sink)
	if err := n.HandleStart(StartRequest{SessionID: "s1", Format: wire.FormatPCM, SampleRate: 16000}); err != nil {
		t.Fatalf("unexpected HandleStart error: %v", err)
	}

	base := int64(1_000_000)
	feedPacket(t, n, 1, base+1)
	n.Tick(base + 10_000)

	if sink.playCalls == 0 {
		t.Fatalf("expected at least one successful play call")
	}

	n.mu.Lock()
	p := n.pipelines["s1"]
	n.mu.Unlock()
	if p.breakerTripped {
		t.Errorf("expected breaker not tripped when Play succeeds")
	}
	if p.consecutiveSinkErrors != 0 {
		t.Errorf("expected consecutiveSinkErrors reset to 0 on success, got %d", p.consecutiveSinkErrors)
	}
}

var errSinkUnavailable = &sinkError{"sink unavailable"}

type sinkError struct{ msg string }

func (e *sinkError) Error() string { return e.msg }
