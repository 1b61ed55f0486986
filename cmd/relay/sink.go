package main

import (
	"github.com/claude-did-this/chip-audio-receiver/core"
	"github.com/claude-did-this/chip-audio-receiver/internal/telemetry"
)

// loggingSink is the default core.Sink: it logs every event instead of
// driving a platform audio/subtitle surface. Real deployments replace this
// with an adapter to the actual audio sink and display surface.
type loggingSink struct {
	log *telemetry.Logger
}

func newLoggingSink(log *telemetry.Logger) *loggingSink {
	return &loggingSink{log: log}
}

func (s *loggingSink) Play(ev core.PlayEvent) error {
	s.log.Printf("play session=%s seq=%d bytes=%d out_of_order=%v", ev.SessionID, ev.Sequence, len(ev.Payload), ev.OutOfOrder)
	return nil
}

func (s *loggingSink) ShowSubtitle(sessionID, text string) {
	s.log.Printf("show_subtitle session=%s text=%q", sessionID, text)
}

func (s *loggingSink) HideSubtitle(sessionID, text string) {
	s.log.Printf("hide_subtitle session=%s text=%q", sessionID, text)
}

func (s *loggingSink) Underrun(sessionID string) {
	s.log.Printf("underrun session=%s", sessionID)
}

func (s *loggingSink) Drain(sessionID string) {
	s.log.Printf("drain session=%s", sessionID)
}
