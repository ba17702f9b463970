// Package report prints the outcome of every exchange, either as classic
// ping lines or as one JSON object per line.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/thetooth/rawping/config"
	"github.com/thetooth/rawping/message"
	"github.com/thetooth/rawping/ping"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// Event is the JSON form of a report line.
type Event struct {
	Session string          `json:"session"`
	Event   string          `json:"event"`
	Time    time.Time       `json:"time"`
	Target  string          `json:"target"`
	Addr    string          `json:"addr"`
	Source  string          `json:"source,omitempty"`
	Seq     uint16          `json:"icmp_seq"`
	ID      uint16          `json:"id"`
	TTL     int             `json:"ttl,omitempty"`
	Bytes   int             `json:"bytes"`
	RTT     config.Interval `json:"rtt"`
	RTTms   float64         `json:"rtt_ms"`
	Reason  string          `json:"reason,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type Reporter struct {
	sync.Mutex

	w       io.Writer
	format  string
	session uuid.UUID

	// now is replaced in tests
	now func() time.Time
}

// New returns a Reporter writing to w. Unknown formats fall back to text.
func New(w io.Writer, format string, session uuid.UUID) *Reporter {
	if format != FormatJSON {
		format = FormatText
	}
	return &Reporter{w: w, format: format, session: session, now: time.Now}
}

// Start prints the session banner.
func (r *Reporter) Start(target string, addr netip.Addr, size int) {
	if r.format == FormatJSON {
		r.emit(&Event{Event: "start", Target: target, Addr: addr.String(), Bytes: size})
		return
	}

	wire := ipHeaderLen(addr) + message.HeaderLen + size
	r.printf("PING %s (%s): %d data bytes, %s on the wire\n", target, addr, size, humanize.IBytes(uint64(wire)))
}

// Reply prints one received Echo Reply.
func (r *Reporter) Reply(pkt *ping.Packet) {
	if r.format == FormatJSON {
		r.emit(&Event{
			Event:  "reply",
			Target: pkt.Addr,
			Addr:   pkt.IPAddr.String(),
			Source: addrString(pkt.Source),
			Seq:    pkt.Seq,
			ID:     pkt.ID,
			TTL:    pkt.Ttl,
			Bytes:  pkt.Nbytes,
			RTT:    config.Interval{Duration: pkt.Rtt},
			RTTms:  millis(pkt.Rtt),
		})
		return
	}

	from := pkt.Source
	if !from.IsValid() {
		from = pkt.IPAddr
	}
	if pkt.Ttl < 0 {
		r.printf("%d bytes from %s: icmp_seq=%d time=%.3f ms\n", pkt.Nbytes, from, pkt.Seq, millis(pkt.Rtt))
		return
	}
	r.printf("%d bytes from %s: icmp_seq=%d ttl=%d time=%.3f ms\n", pkt.Nbytes, from, pkt.Seq, pkt.Ttl, millis(pkt.Rtt))
}

// Timeout prints a request that went unanswered.
func (r *Reporter) Timeout(pkt *ping.Packet) {
	if r.format == FormatJSON {
		r.emit(&Event{
			Event:  "timeout",
			Target: pkt.Addr,
			Addr:   pkt.IPAddr.String(),
			Seq:    pkt.Seq,
			ID:     pkt.ID,
			Bytes:  pkt.Nbytes,
		})
		return
	}
	r.printf("Request timeout for icmp_seq %d\n", pkt.Seq)
}

// Discard reports a skipped datagram. Text output leaves those to the debug
// log.
func (r *Reporter) Discard(pkt *ping.Packet, err error) {
	if r.format != FormatJSON {
		return
	}
	r.emit(&Event{
		Event:  "discard",
		Target: pkt.Addr,
		Addr:   pkt.IPAddr.String(),
		Source: addrString(pkt.Source),
		Seq:    pkt.Seq,
		ID:     pkt.ID,
		TTL:    pkt.Ttl,
		Bytes:  pkt.Nbytes,
		Reason: ping.DiscardReason(err),
		Error:  err.Error(),
	})
}

func (r *Reporter) emit(ev *Event) {
	ev.Session = r.session.String()
	ev.Time = r.now().UTC()

	r.Lock()
	defer r.Unlock()
	if err := json.NewEncoder(r.w).Encode(ev); err != nil {
		logrus.Error("Writing report: ", err)
	}
}

func (r *Reporter) printf(format string, args ...interface{}) {
	r.Lock()
	defer r.Unlock()
	if _, err := fmt.Fprintf(r.w, format, args...); err != nil {
		logrus.Error("Writing report: ", err)
	}
}

func ipHeaderLen(addr netip.Addr) int {
	if addr.Is6() {
		return 40
	}
	return 20
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
