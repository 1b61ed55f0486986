package receiver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/claude-did-this/chip-audio-receiver/internal/session"
	"github.com/claude-did-this/chip-audio-receiver/internal/telemetry"
	"github.com/claude-did-this/chip-audio-receiver/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("unexpected error reading counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func mustEncode(t *testing.T, p wire.Packet) []byte {
	t.Helper()
	buf, err := wire.Encode(p)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	return buf
}

func TestHandleDatagramMalformed(t *testing.T) {
	r := NewWithSock(nil, session.NewRegistry(), nil)
	r.handleDatagram([]byte{0}, &net.UDPAddr{}, time.Now())
	if r.Stats().Malformed != 1 {
		t.Errorf("expected Malformed=1, got %+v", r.Stats())
	}
}

func TestHandleDatagramMalformedIncrementsMetrics(t *testing.T) {
	r := NewWithSock(nil, session.NewRegistry(), nil)
	metrics := telemetry.NewMetrics()
	r.SetMetrics(metrics)

	r.handleDatagram([]byte{0}, &net.UDPAddr{}, time.Now())
	if v := counterValue(t, metrics.PacketsMalformed); v != 1 {
		t.Errorf("expected PacketsMalformed=1, got %v", v)
	}

	buf := mustEncode(t, wire.Packet{SessionID: "unknown", Seq: 1, Format: wire.FormatPCM})
	r.handleDatagram(buf, &net.UDPAddr{}, time.Now())
	if v := counterValue(t, metrics.PacketsUnattributed); v != 1 {
		t.Errorf("expected PacketsUnattributed=1, got %v", v)
	}
}

func TestHandleDatagramUnattributed(t *testing.T) {
	r := NewWithSock(nil, session.NewRegistry(), nil)
	buf := mustEncode(t, wire.Packet{SessionID: "unknown", Seq: 1, Format: wire.FormatPCM})
	r.handleDatagram(buf, &net.UDPAddr{}, time.Now())
	if r.Stats().Unattributed != 1 {
		t.Errorf("expected Unattributed=1, got %+v", r.Stats())
	}
}

func TestHandleDatagramEndpointMismatch(t *testing.T) {
	registry := session.NewRegistry()
	registered := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5000}
	registry.Register("s1", registered, session.Format{}, time.Now())

	r := NewWithSock(nil, registry, nil)
	buf := mustEncode(t, wire.Packet{SessionID: "s1", Seq: 1, Format: wire.FormatPCM})
	wrongSender := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 5000}
	r.handleDatagram(buf, wrongSender, time.Now())

	if r.Stats().EndpointMismatch != 1 {
		t.Errorf("expected EndpointMismatch=1, got %+v", r.Stats())
	}
}

func TestHandleDatagramLearnsSourcePortOnFirstPacket(t *testing.T) {
	registry := session.NewRegistry()
	declared := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5000}
	registry.Register("s1", declared, session.Format{}, time.Now())

	r := NewWithSock(nil, registry, nil)
	buf := mustEncode(t, wire.Packet{SessionID: "s1", Seq: 1, Format: wire.FormatPCM})
	observed := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 51234}
	r.handleDatagram(buf, observed, time.Now())

	if r.Stats().EndpointMismatch != 0 {
		t.Errorf("expected a same-IP, different-port first packet to be tolerated, got %+v", r.Stats())
	}
	got := registry.Lookup("s1").RemoteAddr
	if got.Port != 51234 {
		t.Errorf("expected learned source port 51234, got %d", got.Port)
	}
}

func TestHandleDatagramEnforcesLearnedEndpointAfterFirstPacket(t *testing.T) {
	registry := session.NewRegistry()
	declared := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5000}
	registry.Register("s1", declared, session.Format{}, time.Now())

	r := NewWithSock(nil, registry, nil)
	first := mustEncode(t, wire.Packet{SessionID: "s1", Seq: 1, Format: wire.FormatPCM})
	learned := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 51234}
	r.handleDatagram(first, learned, time.Now())

	second := mustEncode(t, wire.Packet{SessionID: "s1", Seq: 2, Format: wire.FormatPCM})
	other := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9999}
	r.handleDatagram(second, other, time.Now())

	if r.Stats().EndpointMismatch != 1 {
		t.Errorf("expected a third port once the session is active to be rejected, got %+v", r.Stats())
	}
}

func TestHandleDatagramDuplicateSkipsHandler(t *testing.T) {
	registry := session.NewRegistry()
	registry.Register("s1", nil, session.Format{}, time.Now())

	var calls int
	handler := func(sess *session.Session, pkt wire.Packet, receivedAt time.Time) { calls++ }
	r := NewWithSock(nil, registry, handler)

	buf := mustEncode(t, wire.Packet{SessionID: "s1", Seq: 1, Format: wire.FormatPCM})
	r.handleDatagram(buf, &net.UDPAddr{}, time.Now())
	r.handleDatagram(buf, &net.UDPAddr{}, time.Now()) // replay same seq

	if calls != 1 {
		t.Errorf("expected handler invoked once, got %d", calls)
	}
}

func TestHandleDatagramInvokesHandlerAndActivatesSession(t *testing.T) {
	registry := session.NewRegistry()
	registry.Register("s1", nil, session.Format{}, time.Now())

	var gotSeq uint32
	handler := func(sess *session.Session, pkt wire.Packet, receivedAt time.Time) { gotSeq = pkt.Seq }
	r := NewWithSock(nil, registry, handler)

	buf := mustEncode(t, wire.Packet{SessionID: "s1", Seq: 7, Format: wire.FormatPCM, Payload: []byte{9, 9}})
	r.handleDatagram(buf, &net.UDPAddr{}, time.Now())

	if gotSeq != 7 {
		t.Errorf("expected handler called with seq=7, got %d", gotSeq)
	}
	if registry.Lookup("s1").GetState() != session.StateActive {
		t.Errorf("expected session activated on first packet")
	}
}

func TestHandleDatagramIsLastTransitionsToDraining(t *testing.T) {
	registry := session.NewRegistry()
	registry.Register("s1", nil, session.Format{}, time.Now())
	r := NewWithSock(nil, registry, nil)

	buf := mustEncode(t, wire.Packet{SessionID: "s1", Seq: 1, Format: wire.FormatPCM, IsLast: true})
	r.handleDatagram(buf, &net.UDPAddr{}, time.Now())

	if registry.Lookup("s1").GetState() != session.StateDraining {
		t.Errorf("expected session draining after IsLast packet")
	}
}

// fakeTimeoutErr satisfies net.Error for the fake socket's idle-poll path.
type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "i/o timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

type fakeSock struct {
	mu      sync.Mutex
	packets [][]byte
	addrs   []*net.UDPAddr
	idx     int
	closed  bool
}

func (f *fakeSock) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	f.mu.Lock()
	if f.idx >= len(f.packets) {
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil, fakeTimeoutErr{}
	}
	p, a := f.packets[f.idx], f.addrs[f.idx]
	f.idx++
	f.mu.Unlock()
	return copy(b, p), a, nil
}

func (f *fakeSock) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func TestRunDispatchesQueuedDatagrams(t *testing.T) {
	registry := session.NewRegistry()
	registry.Register("s1", nil, session.Format{}, time.Now())

	done := make(chan struct{})
	var seen int
	handler := func(sess *session.Session, pkt wire.Packet, receivedAt time.Time) {
		seen++
		if seen == 3 {
			close(done)
		}
	}

	buf := mustEncode(t, wire.Packet{SessionID: "s1", Seq: 1, Format: wire.FormatPCM})
	sock := &fakeSock{
		packets: [][]byte{buf, buf, buf},
		addrs:   []*net.UDPAddr{{}, {}, {}},
	}
	// Distinct sequence numbers so none of the three are treated as
	// duplicates of one another.
	sock.packets[1] = mustEncode(t, wire.Packet{SessionID: "s1", Seq: 2, Format: wire.FormatPCM})
	sock.packets[2] = mustEncode(t, wire.Packet{SessionID: "s1", Seq: 3, Format: wire.FormatPCM})

	r := NewWithSock(sock, registry, handler)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for all 3 datagrams to be dispatched")
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("expected nil error on context cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Run to return after cancel")
	}
}
