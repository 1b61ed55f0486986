// Package receiver implements the datagram receiver: it binds a
// single UDP socket, parses one datagram per read, and attributes each
// valid packet to a session before handing it onward. It is the only
// component that touches the socket; all session and buffer state is
// reached only through the registry and handler it's given.
package receiver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/claude-did-this/chip-audio-receiver/internal/session"
	"github.com/claude-did-this/chip-audio-receiver/internal/telemetry"
	"github.com/claude-did-this/chip-audio-receiver/internal/wire"
)

// maxDatagramSize bounds a single read; UDP on a LAN path never exceeds
// this in practice, and a read into an undersized buffer simply truncates,
// which Decode then rejects as malformed.
const maxDatagramSize = 64 * 1024

// Disposition classifies what happened to a received datagram, for metrics
// and tests.
type Disposition int

const (
	DispositionAccepted Disposition = iota
	DispositionMalformed
	DispositionUnattributed
	DispositionEndpointMismatch
	DispositionDuplicate
)

// Stats are cumulative receiver-level counters, independent of any one
// session.
type Stats struct {
	Malformed     uint64
	Unattributed  uint64
	EndpointMismatch uint64
}

// Handler is invoked once per accepted packet, after sequence bookkeeping.
// The session lock is released before the call, so the handler may use the
// session's locking accessors.
type Handler func(sess *session.Session, pkt wire.Packet, receivedAt time.Time)

// Sock is the minimal socket surface the receiver needs, so tests can
// inject a fake instead of binding a real port.
type Sock interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	Close() error
}

// Receiver binds one UDP socket and dispatches accepted packets to the
// registry and a handler (typically the sync engine + jitter buffer).
type Receiver struct {
	sock     Sock
	registry *session.Registry
	handler  Handler
	metrics  *telemetry.Metrics

	mu    sync.Mutex
	stats Stats
}

// SetMetrics attaches the Prometheus collectors malformed/unattributed
// datagrams are recorded against, for callers that construct the Receiver
// before metrics are wired up.
func (r *Receiver) SetMetrics(m *telemetry.Metrics) {
	r.mu.Lock()
	r.metrics = m
	r.mu.Unlock()
}

// New binds a UDP listener on addr (e.g. ":8001", udp.port) and
// returns a Receiver. Socket bind failure is core-fatal and is
// returned directly rather than retried — re-bind is an external
// responsibility.
func New(addr string, registry *session.Registry, handler Handler) (*Receiver, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return NewWithSock(conn, registry, handler), nil
}

// NewWithSock constructs a Receiver over an already-bound socket, used by
// New and by tests with a fake Sock.
func NewWithSock(sock Sock, registry *session.Registry, handler Handler) *Receiver {
	return &Receiver{
		sock:     sock,
		registry: registry,
		handler:  handler,
	}
}

// Close releases the underlying socket.
func (r *Receiver) Close() error { return r.sock.Close() }

// Stats returns a snapshot of receiver-level counters.
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Run reads datagrams in a loop until ctx is cancelled or the socket
// reports an error. Socket errors other than a read timeout are returned
// to the caller; Run never attempts to re-bind on its own.
func (r *Receiver) Run(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, addr, err := r.sock.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}

		now := time.Now()
		r.handleDatagram(buf[:n], addr, now)
	}
}

func (r *Receiver) handleDatagram(raw []byte, from *net.UDPAddr, now time.Time) {
	pkt, err := wire.Decode(raw)
	if err != nil {
		r.incMalformed()
		return
	}

	sess := r.registry.Lookup(pkt.SessionID)
	if sess == nil {
		r.incUnattributed()
		return
	}

	sess.Lock()

	if sess.RemoteAddr != nil {
		if sess.State == session.StatePending {
			// Only the IP is enforced on the first datagram: the
			// control-plane-declared port and the data-plane source port may
			// legitimately differ (NAT), so the port is learned from this
			// first observed source rather than checked.
			if !sess.RemoteAddr.IP.Equal(from.IP) {
				sess.Unlock()
				r.incEndpointMismatch()
				return
			}
			sess.RemoteAddr = from
		} else if !addrEqual(sess.RemoteAddr, from) {
			sess.Unlock()
			r.incEndpointMismatch()
			return
		}
	}

	disp := sess.CheckSequence(pkt.Seq)
	if disp == session.SeqDuplicate {
		sess.Unlock()
		return
	}

	if sess.State == session.StatePending {
		sess.State = session.StateActive
	}

	// Copy the payload: the receive buffer is reused on the next read.
	payload := make([]byte, len(pkt.Payload))
	copy(payload, pkt.Payload)
	pkt.Payload = payload

	sess.Observe(now.UnixMilli(), pkt.SenderTSMs, pkt.PlaybackTSMs, len(payload), now)
	sess.Unlock()

	if r.handler != nil {
		r.handler(sess, pkt, now)
	}

	if pkt.IsLast {
		sess.SetState(session.StateDraining)
	}
}

func addrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func (r *Receiver) incMalformed() {
	r.mu.Lock()
	r.stats.Malformed++
	m := r.metrics
	r.mu.Unlock()
	if m != nil {
		m.PacketsMalformed.Inc()
	}
}
func (r *Receiver) incUnattributed() {
	r.mu.Lock()
	r.stats.Unattributed++
	m := r.metrics
	r.mu.Unlock()
	if m != nil {
		m.PacketsUnattributed.Inc()
	}
}
func (r *Receiver) incEndpointMismatch() {
	r.mu.Lock()
	r.stats.EndpointMismatch++
	r.mu.Unlock()
}
