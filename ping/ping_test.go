package ping

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/net/ipv4"

	"github.com/thetooth/rawping/checksum"
	"github.com/thetooth/rawping/message"
	"github.com/thetooth/rawping/transport"
)

type datagram struct {
	b   []byte
	ttl int
	src netip.Addr
	err error
}

// fakeConn answers sends through respond and queues the result for Receive.
type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	dsts    []netip.Addr
	ttl     int
	timeout time.Duration

	family message.Family
	opts   transport.Options

	respond func(req []byte) []datagram
	sendErr error
	ttlErr  error

	inbox  chan datagram
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(respond func([]byte) []datagram) *fakeConn {
	return &fakeConn{
		respond: respond,
		inbox:   make(chan datagram, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) open(f message.Family, opts transport.Options) (transport.Conn, error) {
	c.family, c.opts = f, opts
	return c, nil
}

func (c *fakeConn) Send(b []byte, dst netip.Addr) (int, error) {
	c.mu.Lock()
	if c.sendErr != nil {
		c.mu.Unlock()
		return 0, c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), b...))
	c.dsts = append(c.dsts, dst)
	respond := c.respond
	c.mu.Unlock()

	if respond != nil {
		for _, d := range respond(b) {
			c.inbox <- d
		}
	}
	return len(b), nil
}

func (c *fakeConn) Receive(b []byte) (int, int, netip.Addr, error) {
	c.mu.Lock()
	timeout := c.timeout
	c.mu.Unlock()

	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}

	select {
	case d := <-c.inbox:
		if d.err != nil {
			return 0, -1, netip.Addr{}, d.err
		}
		return copy(b, d.b), d.ttl, d.src, nil
	case <-expire:
		return 0, -1, netip.Addr{}, transport.ErrTimeout
	case <-c.closed:
		return 0, -1, netip.Addr{}, net.ErrClosed
	}
}

func (c *fakeConn) SetTTL(ttl int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
	return c.ttlErr
}

func (c *fakeConn) SetReceiveTimeout(d time.Duration) error {
	if d < 0 {
		return errors.New("negative timeout")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// echoReply turns an encoded request into its reply, applying edit before
// the checksum is recomputed.
func echoReply(f message.Family, req []byte, edit func(b []byte)) []byte {
	b := append([]byte(nil), req...)
	b[0] = byte(message.TypeOf(f, message.Reply))
	if edit != nil {
		edit(b)
	}
	b[2], b[3] = 0, 0
	binary.BigEndian.PutUint16(b[2:4], checksum.Sum(b))
	return b
}

func withIPv4Header(t *testing.T, b []byte, ttl int, src netip.Addr) []byte {
	t.Helper()

	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(b),
		TTL:      ttl,
		Protocol: message.ProtocolICMP,
		Src:      src.AsSlice(),
		Dst:      net.IPv4(192, 0, 2, 100).To4(),
	}
	hdr, err := h.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return append(hdr, b...)
}

func replier(f message.Family, src netip.Addr) func([]byte) []datagram {
	return func(req []byte) []datagram {
		return []datagram{{b: echoReply(f, req, nil), ttl: 64, src: src}}
	}
}

var target4 = netip.MustParseAddr("192.0.2.1")

func newTestPinger(addr string, c *fakeConn) *Pinger {
	p := NewPinger(addr)
	p.Open = c.open
	p.Interval = time.Millisecond
	p.Timeout = time.Second
	p.Count = 1
	return p
}

func TestRun(t *testing.T) {
	c := newFakeConn(replier(message.V4, target4))
	p := newTestPinger("192.0.2.1", c)
	p.Count = 3
	p.Size = 8
	p.Pattern = []byte{0xab}

	var setup, finish int
	var sent, recv []*Packet
	p.OnSetup = func() { setup++ }
	p.OnFinish = func() { finish++ }
	p.OnSend = func(pkt *Packet) { sent = append(sent, pkt) }
	p.OnRecv = func(pkt *Packet) { recv = append(recv, pkt) }
	p.OnTimeout = func(*Packet) { t.Error("unexpected timeout") }
	p.OnDiscard = func(_ *Packet, err error) { t.Errorf("unexpected discard: %v", err) }

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if setup != 1 || finish != 1 {
		t.Errorf("OnSetup called %d times, OnFinish %d times", setup, finish)
	}
	if len(sent) != 3 || len(recv) != 3 {
		t.Fatalf("sent %d, received %d; want 3 each", len(sent), len(recv))
	}
	for i, pkt := range recv {
		want := uint16(i + 1)
		if sent[i].Seq != want || pkt.Seq != want {
			t.Errorf("iteration %d: sent icmp_seq %d, received %d; want %d", i, sent[i].Seq, pkt.Seq, want)
		}
		if pkt.Nbytes != message.HeaderLen+8 {
			t.Errorf("Nbytes = %d, want %d", pkt.Nbytes, message.HeaderLen+8)
		}
		if pkt.Ttl != 64 || pkt.Source != target4 || pkt.IPAddr != target4 {
			t.Errorf("unexpected reply %+v", pkt)
		}
		if pkt.Rtt < 0 {
			t.Errorf("negative rtt %v", pkt.Rtt)
		}
	}

	if c.family != message.V4 || !c.opts.Privileged {
		t.Errorf("opened %v privileged=%v", c.family, c.opts.Privileged)
	}
	if c.ttl != 64 {
		t.Errorf("ttl = %d, want 64", c.ttl)
	}
	if !c.isClosed() {
		t.Error("connection left open")
	}
	if s := p.State(); s != Terminated {
		t.Errorf("state = %v, want %v", s, Terminated)
	}

	for i, b := range c.sent {
		if !checksum.Verify(b) {
			t.Errorf("request %d has a bad checksum", i)
		}
		if b[0] != byte(message.TypeEchoRequestV4) {
			t.Errorf("request %d has type %d", i, b[0])
		}
		if diff := cmp.Diff([]byte{0xab, 0xab, 0xab, 0xab, 0xab, 0xab, 0xab, 0xab}, b[message.HeaderLen:]); diff != "" {
			t.Errorf("payload mismatch (-want +got):\n%s", diff)
		}
		if c.dsts[i] != target4 {
			t.Errorf("sent to %v", c.dsts[i])
		}
	}
}

func TestRunNoSleepAfterLastIteration(t *testing.T) {
	c := newFakeConn(replier(message.V4, target4))
	p := newTestPinger("192.0.2.1", c)
	p.Interval = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := p.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("single iteration took %v", elapsed)
	}
}

func TestRunCountZero(t *testing.T) {
	p := NewPinger("192.0.2.1")
	p.Count = 0
	p.Open = func(message.Family, transport.Options) (transport.Conn, error) {
		t.Fatal("socket opened for zero iterations")
		return nil, nil
	}
	var finished bool
	p.OnFinish = func() { finished = true }

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !finished {
		t.Error("OnFinish not called")
	}
}

func TestRunTimeout(t *testing.T) {
	c := newFakeConn(nil)
	p := newTestPinger("192.0.2.1", c)
	p.Count = 2
	p.Timeout = 20 * time.Millisecond

	var timeouts []uint16
	p.OnTimeout = func(pkt *Packet) { timeouts = append(timeouts, pkt.Seq) }
	p.OnRecv = func(*Packet) { t.Error("unexpected reply") }

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint16{1, 2}, timeouts); diff != "" {
		t.Errorf("timeouts mismatch (-want +got):\n%s", diff)
	}
}

func TestRunZeroTimeoutBlocks(t *testing.T) {
	c := newFakeConn(replier(message.V4, target4))
	p := newTestPinger("192.0.2.1", c)
	p.Timeout = 0

	var recv int
	p.OnRecv = func(*Packet) {
		recv++
		if c.timeout != 0 {
			t.Errorf("receive timeout = %v, want none", c.timeout)
		}
	}

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if recv != 1 {
		t.Errorf("received %d replies", recv)
	}
}

func TestRunDiscards(t *testing.T) {
	other := netip.MustParseAddr("198.51.100.7")
	c := newFakeConn(func(req []byte) []datagram {
		unreachable := echoReply(message.V4, req, func(b []byte) { b[0] = 3 })
		return []datagram{
			{b: echoReply(message.V4, req, func(b []byte) { b[7]++ }), src: target4},
			{b: req, src: target4},
			{b: []byte{0, 0, 0}, src: target4},
			{b: unreachable, src: target4},
			{b: echoReply(message.V4, req, func(b []byte) { b[5]++ }), src: target4},
			{b: echoReply(message.V4, req, nil), src: other},
			{b: echoReply(message.V4, req, nil), ttl: 51, src: target4},
		}
	})
	p := newTestPinger("192.0.2.1", c)

	var reasons []string
	var recv []*Packet
	p.OnDiscard = func(_ *Packet, err error) { reasons = append(reasons, DiscardReason(err)) }
	p.OnRecv = func(pkt *Packet) { recv = append(recv, pkt) }

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{"mismatch", "not_reply", "malformed", "unknown_type", "mismatch", "mismatch"}
	if diff := cmp.Diff(want, reasons); diff != "" {
		t.Errorf("discards mismatch (-want +got):\n%s", diff)
	}
	if len(recv) != 1 || recv[0].Ttl != 51 {
		t.Fatalf("unexpected replies %+v", recv)
	}
}

func TestRunTrackerMismatch(t *testing.T) {
	c := newFakeConn(func(req []byte) []datagram {
		return []datagram{{b: echoReply(message.V4, req, func(b []byte) { b[message.HeaderLen] ^= 0xff }), src: target4}}
	})
	p := newTestPinger("192.0.2.1", c)
	p.Size = 32
	p.Timeout = 30 * time.Millisecond

	var reasons []string
	var timeouts int
	p.OnDiscard = func(_ *Packet, err error) { reasons = append(reasons, DiscardReason(err)) }
	p.OnTimeout = func(*Packet) { timeouts++ }

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"mismatch"}, reasons); diff != "" {
		t.Errorf("discards mismatch (-want +got):\n%s", diff)
	}
	if timeouts != 1 {
		t.Errorf("timeouts = %d, want 1", timeouts)
	}
}

func TestRunStripsIPv4Header(t *testing.T) {
	c := newFakeConn(nil)
	c.respond = func(req []byte) []datagram {
		return []datagram{{b: withIPv4Header(t, echoReply(message.V4, req, nil), 57, target4), ttl: -1, src: target4}}
	}
	p := newTestPinger("192.0.2.1", c)
	p.Size = 24

	var recv *Packet
	p.OnRecv = func(pkt *Packet) { recv = pkt }

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if recv == nil {
		t.Fatal("no reply")
	}
	if recv.Ttl != 57 || recv.Nbytes != message.HeaderLen+24 {
		t.Errorf("ttl=%d nbytes=%d, want 57 and %d", recv.Ttl, recv.Nbytes, message.HeaderLen+24)
	}
}

func TestRunIPv6(t *testing.T) {
	target6 := netip.MustParseAddr("2001:db8::1")
	c := newFakeConn(replier(message.V6, target6))
	p := newTestPinger("2001:db8::1", c)

	var recv int
	p.OnRecv = func(*Packet) { recv++ }

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.family != message.V6 {
		t.Errorf("opened family %v", c.family)
	}
	if c.sent[0][0] != byte(message.TypeEchoRequestV6) {
		t.Errorf("sent type %d", c.sent[0][0])
	}
	if recv != 1 {
		t.Errorf("received %d replies", recv)
	}
}

func TestRunUnprivilegedIgnoresIdentifier(t *testing.T) {
	c := newFakeConn(func(req []byte) []datagram {
		return []datagram{{b: echoReply(message.V4, req, func(b []byte) { binary.BigEndian.PutUint16(b[4:6], 999) }), src: target4}}
	})
	p := newTestPinger("192.0.2.1", c)
	p.Privileged = false

	var recv *Packet
	p.OnRecv = func(pkt *Packet) { recv = pkt }

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.opts.Privileged {
		t.Error("opened a privileged socket")
	}
	if recv == nil || recv.ID != 999 {
		t.Errorf("unexpected reply %+v", recv)
	}
}

func TestRunSequenceGenerator(t *testing.T) {
	c := newFakeConn(replier(message.V4, target4))
	p := newTestPinger("192.0.2.1", c)
	p.Count = 2
	p.Sequence = message.NewSequenceGenerator(65535)

	var seqs []uint16
	p.OnRecv = func(pkt *Packet) { seqs = append(seqs, pkt.Seq) }

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint16{65535, 0}, seqs); diff != "" {
		t.Errorf("sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestRunDebugChecksum(t *testing.T) {
	c := newFakeConn(replier(message.V4, target4))
	p := newTestPinger("192.0.2.1", c)
	p.DebugChecksum = true

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !checksum.Verify(c.sent[0]) {
		t.Error("bad checksum")
	}
}

func TestRunErrors(t *testing.T) {
	cause := syscall.EHOSTUNREACH

	tests := []struct {
		name   string
		setup  func(c *fakeConn, p *Pinger)
		op     string
		target error
	}{
		{
			name: "send",
			setup: func(c *fakeConn, _ *Pinger) {
				c.sendErr = cause
			},
			op:     "send",
			target: cause,
		},
		{
			name: "receive",
			setup: func(c *fakeConn, _ *Pinger) {
				c.respond = func([]byte) []datagram { return []datagram{{err: cause}} }
			},
			op:     "receive",
			target: cause,
		},
		{
			name: "open",
			setup: func(_ *fakeConn, p *Pinger) {
				p.Open = func(message.Family, transport.Options) (transport.Conn, error) {
					return nil, transport.ErrPermissionDenied
				}
			},
			op:     "open",
			target: transport.ErrPermissionDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFakeConn(nil)
			p := newTestPinger("192.0.2.1", c)
			p.Count = -1
			tt.setup(c, p)

			err := p.Run(context.Background())

			var te *TransportError
			if !errors.As(err, &te) {
				t.Fatalf("error %v is not a TransportError", err)
			}
			if te.Op != tt.op {
				t.Errorf("op = %q, want %q", te.Op, tt.op)
			}
			if !errors.Is(err, tt.target) {
				t.Errorf("error %v does not wrap %v", err, tt.target)
			}
			if s := p.State(); s != Fatal {
				t.Errorf("state = %v, want %v", s, Fatal)
			}
		})
	}
}

func TestRunTTLFailureIsNotFatal(t *testing.T) {
	c := newFakeConn(replier(message.V4, target4))
	c.ttlErr = errors.New("not supported")
	p := newTestPinger("192.0.2.1", c)

	var recv int
	p.OnRecv = func(*Packet) { recv++ }

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if recv != 1 {
		t.Errorf("received %d replies", recv)
	}
}

type failingResolver struct{ err error }

func (r failingResolver) Resolve(context.Context, string) (netip.Addr, error) {
	return netip.Addr{}, r.err
}

func TestRunResolutionFailure(t *testing.T) {
	cause := errors.New("no such host")
	p := NewPinger("nowhere.test")
	p.SetResolver(failingResolver{cause})
	p.Open = func(message.Family, transport.Options) (transport.Conn, error) {
		t.Fatal("socket opened without a target")
		return nil, nil
	}

	if err := p.Run(context.Background()); !errors.Is(err, cause) {
		t.Fatalf("err = %v, want %v", err, cause)
	}
	if s := p.State(); s != Fatal {
		t.Errorf("state = %v, want %v", s, Fatal)
	}
}

func TestRunCancel(t *testing.T) {
	c := newFakeConn(nil)
	p := newTestPinger("192.0.2.1", c)
	p.Count = -1
	p.Timeout = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.OnSend = func(*Packet) { cancel() }

	if err := p.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if n := c.sentCount(); n != 1 {
		t.Errorf("sent %d requests, want 1", n)
	}
	if s := p.State(); s != Terminated {
		t.Errorf("state = %v, want %v", s, Terminated)
	}
}

func TestStop(t *testing.T) {
	c := newFakeConn(replier(message.V4, target4))
	p := newTestPinger("192.0.2.1", c)
	p.Count = -1

	var recv int
	p.OnRecv = func(*Packet) {
		recv++
		if recv == 2 {
			p.Stop()
		}
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not end the session")
	}
	if recv != 2 {
		t.Errorf("received %d replies, want 2", recv)
	}
}

func TestReconfigure(t *testing.T) {
	c := newFakeConn(replier(message.V4, target4))
	p := newTestPinger("192.0.2.1", c)
	p.Count = 2
	p.Interval = time.Hour

	p.OnRecv = func(*Packet) { p.Reconfigure(time.Millisecond, time.Second) }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if n := c.sentCount(); n != 2 {
		t.Errorf("sent %d requests, want 2", n)
	}
}

func TestBuildPayload(t *testing.T) {
	p := NewPinger("192.0.2.1")

	tests := []struct {
		size    int
		pattern []byte
		want    []byte
	}{
		{0, nil, []byte{}},
		{4, nil, []byte{0, 0, 0, 0}},
		{5, []byte{0xa, 0xb}, []byte{0xa, 0xb, 0xa, 0xb, 0xa}},
		{18, []byte{0xa, 0xb}, append(append([]byte(nil), p.Tracker[:]...), 0xa, 0xb)},
	}

	for _, tt := range tests {
		p.Size, p.Pattern = tt.size, tt.pattern
		if diff := cmp.Diff(tt.want, p.buildPayload()); diff != "" {
			t.Errorf("size %d: payload mismatch (-want +got):\n%s", tt.size, diff)
		}
	}
}

func TestSetNetwork(t *testing.T) {
	p := NewPinger("example.test")
	p.SetNetwork("ip6")
	if p.network != "ip6" {
		t.Errorf("network = %q", p.network)
	}
	p.SetNetwork("tcp")
	if p.network != "ip" {
		t.Errorf("network = %q", p.network)
	}
}

func TestDiscardReason(t *testing.T) {
	tests := map[error]string{
		message.ErrMalformedPacket: "malformed",
		message.ErrUnknownType:     "unknown_type",
		ErrNotReply:                "not_reply",
		ErrMismatch:                "mismatch",
		errors.New("other"):        "other",
	}
	for err, want := range tests {
		if got := DiscardReason(err); got != want {
			t.Errorf("DiscardReason(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestStateString(t *testing.T) {
	if s := AwaitingReply.String(); s != "awaiting_reply" {
		t.Errorf("got %q", s)
	}
	if s := State(42).String(); s != "State(42)" {
		t.Errorf("got %q", s)
	}
}

func TestRunLoopback(t *testing.T) {
	for _, privileged := range []bool{true, false} {
		p := NewPinger("127.0.0.1")
		p.Count = 1
		p.Interval = time.Hour
		p.Timeout = time.Second
		p.Privileged = privileged

		var outcomes int
		p.OnRecv = func(pkt *Packet) {
			outcomes++
			if pkt.Rtt < 0 {
				t.Errorf("negative rtt %v", pkt.Rtt)
			}
		}
		p.OnTimeout = func(*Packet) { outcomes++ }

		start := time.Now()
		err := p.Run(context.Background())

		var te *TransportError
		if errors.As(err, &te) && te.Op == "open" {
			t.Logf("privileged=%v: %v", privileged, err)
			continue
		}
		if err != nil {
			t.Fatalf("privileged=%v: %v", privileged, err)
		}
		if outcomes != 1 {
			t.Errorf("privileged=%v: %d outcomes, want 1", privileged, outcomes)
		}
		if elapsed := time.Since(start); elapsed > 10*time.Second {
			t.Errorf("privileged=%v: took %v", privileged, elapsed)
		}
	}
}
