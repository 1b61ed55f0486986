// Package wire implements the binary UDP datagram format carrying audio
// frames on the data plane.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Format identifies the audio codec carried by a packet's payload.
type Format uint8

const (
	FormatPCM  Format = 0
	FormatMP3  Format = 1
	FormatOpus Format = 2
)

func (f Format) String() string {
	switch f {
	case FormatPCM:
		return "pcm"
	case FormatMP3:
		return "mp3"
	case FormatOpus:
		return "opus"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// minHeaderSize is the fixed portion of the wire header, excluding the
// variable-length session id and payload:
//
//	u8 sid_len | u32 seq | u64 tts_ts | u64 playback_ts | u8 fmt |
//	u32 sample_rate | u8 is_last | u32 payload_len
//
// 1 + 4 + 8 + 8 + 1 + 4 + 1 + 4 = 31 bytes.
const minHeaderSize = 31

// maxSessionIDLen bounds sid_len to the session id's declared invariant.
const maxSessionIDLen = 128

// ErrMalformed is returned for any datagram that is too short, declares a
// payload length that does not match the remaining bytes, or names an
// unknown format code. Never fatal: callers count it and move on.
var ErrMalformed = errors.New("wire: malformed datagram")

// Packet is the parsed form of one datagram.
type Packet struct {
	SessionID    string
	Seq          uint32
	SenderTSMs   uint64 // sender-clock timestamp the frame was produced
	PlaybackTSMs uint64 // sender-clock intended playback time
	Format       Format
	SampleRate   uint32
	IsLast       bool
	Payload      []byte
}

// Decode parses a single wire-format datagram. It never mutates buf; Payload
// aliases a sub-slice of buf, so callers that retain a Packet beyond the
// lifetime of the receive buffer must copy it themselves.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < 1 {
		return Packet{}, ErrMalformed
	}
	sidLen := int(buf[0])
	if sidLen == 0 || sidLen > maxSessionIDLen {
		return Packet{}, ErrMalformed
	}
	if len(buf) < 1+sidLen+(minHeaderSize-1) {
		return Packet{}, ErrMalformed
	}

	off := 1
	sessionID := string(buf[off : off+sidLen])
	off += sidLen

	seq := binary.BigEndian.Uint32(buf[off:])
	off += 4
	ttsTS := binary.BigEndian.Uint64(buf[off:])
	off += 8
	playbackTS := binary.BigEndian.Uint64(buf[off:])
	off += 8
	formatByte := buf[off]
	off++
	sampleRate := binary.BigEndian.Uint32(buf[off:])
	off += 4
	isLast := buf[off] != 0
	off++
	payloadLen := binary.BigEndian.Uint32(buf[off:])
	off += 4

	if formatByte > uint8(FormatOpus) {
		return Packet{}, ErrMalformed
	}
	if uint32(len(buf)-off) != payloadLen {
		return Packet{}, ErrMalformed
	}

	return Packet{
		SessionID:    sessionID,
		Seq:          seq,
		SenderTSMs:   ttsTS,
		PlaybackTSMs: playbackTS,
		Format:       Format(formatByte),
		SampleRate:   sampleRate,
		IsLast:       isLast,
		Payload:      buf[off:],
	}, nil
}

// Encode serialises a Packet to wire format. Used by tests and by senders
// embedding this module for loopback testing.
func Encode(p Packet) ([]byte, error) {
	if len(p.SessionID) == 0 || len(p.SessionID) > maxSessionIDLen {
		return nil, fmt.Errorf("wire: session id length %d out of range", len(p.SessionID))
	}
	buf := make([]byte, 1+len(p.SessionID)+(minHeaderSize-1)+len(p.Payload))
	buf[0] = byte(len(p.SessionID))
	off := 1
	off += copy(buf[off:], p.SessionID)
	binary.BigEndian.PutUint32(buf[off:], p.Seq)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], p.SenderTSMs)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], p.PlaybackTSMs)
	off += 8
	buf[off] = byte(p.Format)
	off++
	binary.BigEndian.PutUint32(buf[off:], p.SampleRate)
	off += 4
	if p.IsLast {
		buf[off] = 1
	}
	off++
	binary.BigEndian.PutUint32(buf[off:], uint32(len(p.Payload)))
	off += 4
	copy(buf[off:], p.Payload)
	return buf, nil
}
