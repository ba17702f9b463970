// Package ping runs ICMP Echo exchanges against a single target: one request
// is sent, its reply awaited within a timeout, and the round is repeated
// according to the count and interval of the session.
package ping

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/thetooth/rawping/message"
	"github.com/thetooth/rawping/resolve"
	"github.com/thetooth/rawping/transport"
)

const (
	trackerLength = len(uuid.UUID{})

	ipv4HeaderLen = 20
	minRecvBuffer = 1500
)

// NewPinger returns a Pinger for addr, which can be a host name or a literal
// address. Resolution happens in Resolve or on the first Run.
func NewPinger(addr string) *Pinger {
	return &Pinger{
		Count:      -1,
		Interval:   time.Second,
		Timeout:    4 * time.Second,
		TTL:        64,
		ID:         message.DefaultIdentifier,
		Privileged: true,
		Tracker:    uuid.New(),
		Sequence:   message.NewSequenceGenerator(1),
		Open:       transport.Open,

		addr:     addr,
		network:  "ip",
		resolver: resolve.NewSystem("ip"),
	}
}

// Pinger represents a ping session against one target.
type Pinger struct {
	// Count is the number of echo requests to send. Negative runs until
	// the context is cancelled, zero sends nothing.
	Count int

	// Interval is the wait time between each request. Default is 1s.
	Interval time.Duration

	// Timeout bounds the wait for each reply. Zero waits forever.
	Timeout time.Duration

	// Size of the echo payload. Payloads of at least 16 bytes start with
	// the session Tracker.
	Size int

	// Pattern fills the payload, repeated. Empty means zero bytes.
	Pattern []byte

	TTL int

	// ID is the echo identifier used for the whole session.
	ID uint16

	// Privileged selects raw sockets. Unprivileged datagram sockets let the
	// kernel pick the identifier, so it is not matched on replies.
	Privileged bool

	// Source is the local address to send from.
	Source string

	// DebugChecksum runs the single-shot checksum path and only falls back
	// to recomputing when it reports an existing checksum.
	DebugChecksum bool

	// Tracker identifies the session in payloads and logs.
	Tracker uuid.UUID

	// Sequence numbers every request of the session.
	Sequence *message.SequenceGenerator

	// Open creates the socket, transport.Open unless replaced.
	Open transport.Opener

	// OnSetup is called when the socket is ready
	OnSetup func()

	// OnSend is called after each request is written
	OnSend func(*Packet)

	// OnRecv is called with each matching reply
	OnRecv func(*Packet)

	// OnTimeout is called when no matching reply arrived in time
	OnTimeout func(*Packet)

	// OnDiscard is called for every received datagram that is not the
	// reply being waited for
	OnDiscard func(*Packet, error)

	// OnFinish is called when Run returns
	OnFinish func()

	addr     string
	ipaddr   netip.Addr
	family   message.Family
	network  string
	resolver resolve.Resolver
	payload  []byte

	interval atomic.Int64
	timeout  atomic.Int64
	state    atomic.Int32

	lock   sync.Mutex
	cancel context.CancelFunc

	log *logrus.Entry
}

// Packet describes one request or reply of the session.
type Packet struct {
	// Rtt is the round-trip time of a reply.
	Rtt time.Duration

	// IPAddr is the address of the target.
	IPAddr netip.Addr

	// Addr is the target as given by the user.
	Addr string

	// Source is where a received datagram came from.
	Source netip.Addr

	// Nbytes is the ICMP length of the message.
	Nbytes int

	Seq uint16
	ID  uint16

	// Ttl of a reply, -1 when unknown.
	Ttl int
}

// SetNetwork restricts resolution.
//   - "ip" selects IPv4 or IPv6, preferring IPv4.
//   - "ip4" selects IPv4.
//   - "ip6" selects IPv6.
func (p *Pinger) SetNetwork(n string) {
	switch n {
	case "ip4", "ip6":
		p.network = n
	default:
		p.network = "ip"
	}
	if s, ok := p.resolver.(*resolve.System); ok {
		s.Network = p.network
	}
}

// SetResolver replaces the system resolver.
func (p *Pinger) SetResolver(r resolve.Resolver) {
	p.resolver = r
}

// Target returns the target as given.
func (p *Pinger) Target() string {
	return p.addr
}

// SetTarget changes the target. The new address is resolved on the next Run.
func (p *Pinger) SetTarget(addr string) {
	p.addr = addr
	p.ipaddr = netip.Addr{}
}

// IPAddr returns the resolved target address.
func (p *Pinger) IPAddr() netip.Addr {
	return p.ipaddr
}

// Resolve looks up the target and selects the address family.
func (p *Pinger) Resolve(ctx context.Context) error {
	addr, err := resolve.Lookup(ctx, p.resolver, p.network, p.addr)
	if err != nil {
		return err
	}

	p.ipaddr = addr
	p.family = message.FamilyOf(addr)
	return nil
}

// Reconfigure changes interval and timeout of a running session. The new
// values apply from the next request on.
func (p *Pinger) Reconfigure(interval, timeout time.Duration) {
	p.interval.Store(int64(interval))
	p.timeout.Store(int64(timeout))
}

// State returns where the exchange currently is.
func (p *Pinger) State() State {
	return State(p.state.Load())
}

func (p *Pinger) setState(s State) {
	old := State(p.state.Swap(int32(s)))
	if p.log != nil && old != s {
		p.log.Tracef("[ STATE ] %v -> %v", old, s)
	}
}

// Stop ends a running session at the next opportunity.
func (p *Pinger) Stop() {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
}

// Run runs the session. This is a blocking function that returns when Count
// requests have been handled, when ctx is cancelled or Stop is called, or on
// the first fatal error.
func (p *Pinger) Run(ctx context.Context) error {
	p.log = logrus.WithFields(logrus.Fields{"session": p.Tracker.String(), "target": p.addr})
	p.Reconfigure(p.Interval, p.Timeout)
	p.setState(Idle)
	defer p.finish()

	if p.Count == 0 {
		return nil
	}
	if p.Size < 0 {
		p.setState(Fatal)
		return fmt.Errorf("size %d cannot be negative", p.Size)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.lock.Lock()
	p.cancel = cancel
	p.lock.Unlock()
	defer cancel()

	if !p.ipaddr.IsValid() {
		if err := p.Resolve(ctx); err != nil {
			p.setState(Fatal)
			return err
		}
	}
	p.log = p.log.WithField("addr", p.ipaddr.String())
	p.payload = p.buildPayload()

	conn, err := p.Open(p.family, transport.Options{Privileged: p.Privileged, Source: p.Source})
	if err != nil {
		p.setState(Fatal)
		return &TransportError{Op: "open", Err: err}
	}
	defer conn.Close()

	// A blocked receive only returns once the socket is closed
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.SetTTL(p.TTL); err != nil {
		p.log.Warn("Setting TTL: ", err)
	}
	if err := conn.SetReceiveTimeout(p.currentTimeout()); err != nil {
		p.setState(Fatal)
		return &TransportError{Op: "set_receive_timeout", Err: err}
	}

	if handler := p.OnSetup; handler != nil {
		handler()
	}

	return p.run(ctx, conn)
}

func (p *Pinger) run(ctx context.Context, conn transport.Conn) error {
	remaining := p.Count

	for {
		if ctx.Err() != nil {
			p.setState(Terminated)
			return nil
		}

		err := p.exchange(ctx, conn)
		if errors.Is(err, errStopped) {
			p.setState(Terminated)
			return nil
		}
		if err != nil {
			p.setState(Fatal)
			return err
		}

		if remaining > 0 {
			remaining--
			if remaining == 0 {
				p.setState(Terminated)
				return nil
			}
		}

		timer := time.NewTimer(p.currentInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			p.setState(Terminated)
			return nil
		case <-timer.C:
		}
	}
}

func (p *Pinger) finish() {
	if handler := p.OnFinish; handler != nil {
		handler()
	}
}

// exchange performs one request/reply round.
func (p *Pinger) exchange(ctx context.Context, conn transport.Conn) error {
	p.setState(Sending)

	msg := message.NewEchoRequest(p.family, p.ID, p.payload, p.Sequence)
	p.checksum(msg)
	b := message.Encode(msg)

	sentAt := time.Now()
	if _, err := conn.Send(b, p.ipaddr); err != nil {
		if ctx.Err() != nil {
			return errStopped
		}
		return &TransportError{Op: "send", Err: err}
	}

	out := &Packet{
		IPAddr: p.ipaddr,
		Addr:   p.addr,
		Nbytes: len(b),
		Seq:    msg.Sequence(),
		ID:     msg.Identifier,
		Ttl:    p.TTL,
	}
	if handler := p.OnSend; handler != nil {
		handler(out)
	}

	p.setState(AwaitingReply)
	reply, err := p.awaitReply(ctx, conn, msg, sentAt)
	switch {
	case err == nil:
		p.setState(Matched)
		if handler := p.OnRecv; handler != nil {
			handler(reply)
		}
	case errors.Is(err, transport.ErrTimeout):
		p.setState(TimedOut)
		p.log.Debugf("[ PING_TIMEOUT ] icmp_seq: %d", out.Seq)
		if handler := p.OnTimeout; handler != nil {
			handler(out)
		}
	default:
		return err
	}

	p.setState(Idle)
	return nil
}

func (p *Pinger) checksum(m *message.Message) {
	if !p.DebugChecksum {
		m.OverrideChecksum()
		return
	}

	if err := m.GenChecksum(); err != nil {
		p.log.Warn("Unexpected checksum overwrite, recomputing: ", err)
		m.OverrideChecksum()
	}
}

// awaitReply reads until the reply to req arrives or the timeout expires.
// Datagrams that do not answer req are handed to OnDiscard and skipped.
func (p *Pinger) awaitReply(ctx context.Context, conn transport.Conn, req *message.Message, sentAt time.Time) (*Packet, error) {
	timeout := p.currentTimeout()
	deadline := sentAt.Add(timeout)
	buf := make([]byte, p.recvBufferSize(req))

	for {
		wait := time.Duration(0)
		if timeout > 0 {
			if wait = time.Until(deadline); wait <= 0 {
				return nil, transport.ErrTimeout
			}
		}
		if err := conn.SetReceiveTimeout(wait); err != nil {
			return nil, &TransportError{Op: "set_receive_timeout", Err: err}
		}

		n, ttl, src, err := conn.Receive(buf)
		receivedAt := time.Now()
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, errStopped
			}
			return nil, &TransportError{Op: "receive", Err: err}
		}

		pkt, err := p.match(buf[:n], ttl, src, req)
		if err != nil {
			p.log.Debug("Discarding datagram: ", err)
			if handler := p.OnDiscard; handler != nil {
				handler(pkt, err)
			}
			continue
		}

		pkt.Rtt = receivedAt.Sub(sentAt)
		return pkt, nil
	}
}

func (p *Pinger) recvBufferSize(req *message.Message) int {
	if n := ipv4HeaderLen + req.Len(); n > minRecvBuffer {
		return n
	}
	return minRecvBuffer
}

// match checks that b is the Echo Reply to req. The returned packet is
// filled as far as b could be parsed, also when an error is returned.
func (p *Pinger) match(b []byte, ttl int, src netip.Addr, req *message.Message) (*Packet, error) {
	pkt := &Packet{IPAddr: p.ipaddr, Addr: p.addr, Source: src, Nbytes: len(b), Ttl: ttl}

	if p.family == message.V4 {
		icmp, hdrTTL, err := message.StripIPv4Header(b)
		if err != nil {
			return pkt, err
		}
		if hdrTTL >= 0 {
			pkt.Ttl = hdrTTL
		}
		b = icmp
		pkt.Nbytes = len(b)
	}

	h, err := message.PeekHeader(b)
	if err != nil {
		return pkt, err
	}
	pkt.Seq, pkt.ID = h.Sequence, h.Identifier

	role, err := message.ParseType(p.family, h.Type)
	if err != nil {
		return pkt, err
	}
	if role != message.Reply {
		return pkt, fmt.Errorf("%w: %s", ErrNotReply, message.TypeName(p.family, h.Type))
	}

	id, seq, payload, err := message.Decode(b)
	if err != nil {
		return pkt, err
	}

	switch {
	case src.IsValid() && src.WithZone("") != p.ipaddr.WithZone(""):
		return pkt, fmt.Errorf("%w: reply from %v", ErrMismatch, src)
	case seq != req.Sequence():
		return pkt, fmt.Errorf("%w: icmp_seq %d, want %d", ErrMismatch, seq, req.Sequence())
	case p.Privileged && id != req.Identifier:
		return pkt, fmt.Errorf("%w: id %d, want %d", ErrMismatch, id, req.Identifier)
	}

	if len(req.Payload) >= trackerLength {
		if len(payload) < trackerLength || !bytes.Equal(payload[:trackerLength], req.Payload[:trackerLength]) {
			return pkt, fmt.Errorf("%w: tracker", ErrMismatch)
		}
	}

	return pkt, nil
}

// buildPayload fills Size bytes with Pattern and stamps the tracker in front
// when there is room for it.
func (p *Pinger) buildPayload() []byte {
	b := make([]byte, p.Size)
	if len(p.Pattern) > 0 {
		for i := range b {
			b[i] = p.Pattern[i%len(p.Pattern)]
		}
	}
	if p.Size >= trackerLength {
		copy(b, p.Tracker[:])
	}
	return b
}

func (p *Pinger) currentInterval() time.Duration {
	return time.Duration(p.interval.Load())
}

func (p *Pinger) currentTimeout() time.Duration {
	return time.Duration(p.timeout.Load())
}
