package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// DefaultDoHURL is the JSON DNS-over-HTTPS endpoint used when none is given.
const DefaultDoHURL = "https://cloudflare-dns.com/dns-query"

const (
	dnsTypeA    = 1
	dnsTypeAAAA = 28
)

// DoH resolves through a DNS-over-HTTPS server speaking application/dns-json.
type DoH struct {
	URL     string
	Network string
	Client  *http.Client
}

// NewDoH returns a DoH resolver with the given request timeout.
func NewDoH(endpoint, network string, timeout time.Duration) *DoH {
	if endpoint == "" {
		endpoint = DefaultDoHURL
	}
	return &DoH{
		URL:     endpoint,
		Network: network,
		Client:  &http.Client{Timeout: timeout},
	}
}

type dohAnswer struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	TTL  int    `json:"TTL"`
	Data string `json:"data"`
}

type dohResponse struct {
	Status int         `json:"Status"`
	Answer []dohAnswer `json:"Answer"`
}

func (d *DoH) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	qtype := "A"
	if d.Network == "ip6" {
		qtype = "AAAA"
	}

	u, err := url.Parse(d.URL)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: bad resolver url: %w", ErrResolution, err)
	}
	q := u.Query()
	q.Set("name", strings.TrimSpace(host))
	q.Set("type", qtype)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w %q: %w", ErrResolution, host, err)
	}
	req.Header.Set("Accept", "application/dns-json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w %q: %w", ErrResolution, host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("%w %q: resolver answered %v", ErrResolution, host, resp.Status)
	}

	var res dohResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return netip.Addr{}, fmt.Errorf("%w %q: decoding answer: %w", ErrResolution, host, err)
	}
	if res.Status != 0 {
		return netip.Addr{}, fmt.Errorf("%w %q: dns status %d", ErrResolution, host, res.Status)
	}

	var addrs []netip.Addr
	for _, a := range res.Answer {
		if a.Type != dnsTypeA && a.Type != dnsTypeAAAA {
			continue
		}
		if addr, err := netip.ParseAddr(a.Data); err == nil {
			addrs = append(addrs, addr)
		}
	}

	addr, ok := pick(d.Network, addrs)
	if !ok {
		return netip.Addr{}, fmt.Errorf("%w %q: no %s record in answer", ErrResolution, host, qtype)
	}
	return addr, nil
}
