// Package clocksync implements the sync engine: it establishes the
// sender-clock-to-local-clock baseline for a session on first packet and
// computes the absolute local-clock playback deadline for every subsequent
// chunk. It reads the packet's sender-clock timestamps directly; network
// measurements (measured latency, jitter) are passed in by the caller as
// plain values rather than read from the session package.
package clocksync

import (
	"github.com/claude-did-this/chip-audio-receiver/internal/wire"
)

const (
	prebufferMs         = 50
	defaultNetworkMs    = 20
	minNetworkLatencyMs = 5
	maxJitterCompMs      = 20
	deadlineFloorMs      = 5
	driftToleranceMs     = 10
	driftSlewFraction    = 0.10
	driftReportThresholdMs = 100

	defaultCompressedDurationMs = 20
	floatBytesPerSample         = 4
	pcm16BytesPerSample          = 2
)

// Baseline is the per-session sender→local linear clock map, established
// exactly once on the session's first packet.
type Baseline struct {
	AudioStartLocalMs int64 // local monotonic ms the first chunk's audio anchors to
	ClockOffsetMs     float64
	firstPlaybackTS   uint64
	established       bool

	// havePrev/lastPlaybackTS are not read by this package; compressed-format
	// duration tracking lives in DurationEstimator.
	havePrev     bool
	lastPlaybackTS uint64
}

// Engine computes deadlines for a single session. Not safe for concurrent
// use by more than one goroutine — the receiver's per-session processing is
// single-writer.
type Engine struct {
	baseline Baseline
}

// NewEngine returns a fresh, unestablished sync engine.
func NewEngine() *Engine { return &Engine{} }

// Established reports whether the baseline has been fixed.
func (e *Engine) Established() bool { return e.baseline.established }

// EstablishBaseline fixes the baseline from the session's first accepted
// packet. receivedAtLocalMs is the monotonic local time (ms)
// the packet was received.
func (e *Engine) EstablishBaseline(pkt wire.Packet, receivedAtLocalMs int64, measuredLatencyMs float64, hasMeasurement bool) Baseline {
	processingDelay := float64(receivedAtLocalMs) - float64(pkt.SenderTSMs)

	networkLatency := float64(defaultNetworkMs)
	if hasMeasurement {
		networkLatency = measuredLatencyMs
	}
	if networkLatency < minNetworkLatencyMs {
		networkLatency = minNetworkLatencyMs
	}

	b := Baseline{
		AudioStartLocalMs: receivedAtLocalMs + prebufferMs,
		ClockOffsetMs:     processingDelay + networkLatency,
		firstPlaybackTS:   pkt.PlaybackTSMs,
		established:       true,
	}
	e.baseline = b
	return b
}

// Deadline computes the absolute local-clock deadline for pkt given the
// current network condition's jitter estimate. nowLocalMs is the current
// monotonic local time in ms.
func (e *Engine) Deadline(pkt wire.Packet, jitterMs float64, nowLocalMs int64) int64 {
	b := e.baseline
	relative := int64(pkt.PlaybackTSMs) - int64(pkt.SenderTSMs)
	target := b.AudioStartLocalMs + relative

	jitterComp := 2 * jitterMs
	if jitterComp > maxJitterCompMs {
		jitterComp = maxJitterCompMs
	}

	deadline := target + int64(jitterComp)
	floor := nowLocalMs + deadlineFloorMs
	if deadline < floor {
		deadline = floor
	}
	return deadline
}

// DurationEstimator tracks per-session state needed to estimate a chunk's
// playback duration for compressed formats, which lack an explicit sample
// count.
type DurationEstimator struct {
	havePrev   bool
	prevPlayback uint64
}

// Estimate returns the estimated duration in ms for pkt.
func (d *DurationEstimator) Estimate(pkt wire.Packet, channels int) float64 {
	switch pkt.Format {
	case wire.FormatPCM:
		bytesPerSample := pcm16BytesPerSample
		// Treat a payload length inconsistent with 16-bit samples as float32,
		// the only other PCM width this relay distinguishes.
		if channels < 1 {
			channels = 1
		}
		frameBytes := bytesPerSample * channels
		if frameBytes > 0 && len(pkt.Payload)%frameBytes != 0 {
			bytesPerSample = floatBytesPerSample
			frameBytes = bytesPerSample * channels
		}
		if frameBytes == 0 || pkt.SampleRate == 0 {
			return 0
		}
		samples := float64(len(pkt.Payload)) / float64(frameBytes)
		return samples / float64(pkt.SampleRate) * 1000
	default:
		if d.havePrev {
			delta := float64(pkt.PlaybackTSMs) - float64(d.prevPlayback)
			d.prevPlayback = pkt.PlaybackTSMs
			if delta > 0 {
				return delta
			}
		}
		d.prevPlayback = pkt.PlaybackTSMs
		d.havePrev = true
		return defaultCompressedDurationMs
	}
}

// DriftStatus classifies an observed-latency drift against the baseline.
type DriftStatus int

const (
	DriftNone DriftStatus = iota
	DriftSlewed
	DriftReportedOnly
)

// AdaptToCondition applies the slew adjustment: if observed latency has
// drifted more than driftToleranceMs from
// (clock_offset - prebuffer), 10% of the delta is folded into ClockOffsetMs
// and AudioStartLocalMs (the latter truncated to whole ms).
// Drift beyond driftReportThresholdMs is reported but never auto-corrected.
func (e *Engine) AdaptToCondition(observedLatencyMs float64) (DriftStatus, float64) {
	if !e.baseline.established {
		return DriftNone, 0
	}
	expected := e.baseline.ClockOffsetMs - prebufferMs
	delta := observedLatencyMs - expected
	absDelta := delta
	if absDelta < 0 {
		absDelta = -absDelta
	}

	if absDelta > driftReportThresholdMs {
		return DriftReportedOnly, delta
	}
	if absDelta > driftToleranceMs {
		adjustment := delta * driftSlewFraction
		e.baseline.ClockOffsetMs += adjustment
		e.baseline.AudioStartLocalMs += int64(adjustment)
		return DriftSlewed, adjustment
	}
	return DriftNone, 0
}

// BaselineSnapshot returns the current baseline (zero value if unestablished).
func (e *Engine) BaselineSnapshot() Baseline { return e.baseline }
