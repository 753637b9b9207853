// Package upstream resolves queries the packet cache cannot answer by
// forwarding them to other name servers.
package upstream

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
)

const defaultTimeout = time.Second * 5

type Upstream interface {
	Exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error)
	Trusted() bool
	Address() string
}

// Forwarder sends queries over UDP and retries over TCP when the answer
// is truncated.
type Forwarder struct {
	addr    string
	trusted bool
	udp     *dns.Client
	tcp     *dns.Client
}

var _ Upstream = (*Forwarder)(nil)

// NewForwarder creates a Forwarder for addr. Port 53 is used if addr has no
// port. A non-positive timeout means 5s.
func NewForwarder(addr string, trusted bool, timeout time.Duration) *Forwarder {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "53")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Forwarder{
		addr:    addr,
		trusted: trusted,
		udp:     &dns.Client{Net: "udp", Timeout: timeout, UDPSize: dns.DefaultMsgSize},
		tcp:     &dns.Client{Net: "tcp", Timeout: timeout},
	}
}

func (f *Forwarder) Exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	r, _, err := f.udp.ExchangeContext(ctx, q, f.addr)
	if err != nil {
		return nil, err
	}
	if r.Truncated {
		r, _, err = f.tcp.ExchangeContext(ctx, q, f.addr)
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (f *Forwarder) Trusted() bool {
	return f.trusted
}

func (f *Forwarder) Address() string {
	return f.addr
}
