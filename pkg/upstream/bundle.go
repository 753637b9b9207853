package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/packetcache/pkg/dnsutils"
)

var (
	nopLogger    = zap.NewNop()
	ErrAllFailed = errors.New("all upstreams failed")
)

type parallelResult struct {
	r    *dns.Msg
	err  error
	from Upstream
}

// Bundle races its upstreams for every query.
type Bundle struct {
	upstreams []Upstream
	logger    *zap.Logger
}

// NewBundle creates a Bundle. A nil logger disables logging.
func NewBundle(upstreams []Upstream, logger *zap.Logger) *Bundle {
	if logger == nil {
		logger = nopLogger
	}
	return &Bundle{upstreams: upstreams, logger: logger}
}

// ServeDNS implements dns_handler.Handler.
func (b *Bundle) ServeDNS(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	return ExchangeParallel(ctx, q, b.upstreams, b.logger)
}

// ExchangeParallel sends q to all upstreams at once. It returns the first
// NOERROR response that has answers. Failing that, it returns the first
// response from a trusted upstream.
func ExchangeParallel(ctx context.Context, q *dns.Msg, upstreams []Upstream, logger *zap.Logger) (*dns.Msg, error) {
	if logger == nil {
		logger = nopLogger
	}

	t := len(upstreams)
	if t == 0 {
		return nil, ErrAllFailed
	}
	if t == 1 {
		return upstreams[0].Exchange(ctx, q)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	c := make(chan *parallelResult, t)
	for _, u := range upstreams {
		qCopy := q.Copy()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := u.Exchange(taskCtx, qCopy)
			c <- &parallelResult{r: r, err: err, from: u}
		}()
	}
	go func() {
		wg.Wait()
		close(c)
	}()

	query := zap.String("query", dnsutils.QuestionString(q))
	errMsgs := make([]string, 0, t)
	var trustedResponse *dns.Msg

	for res := range c {
		if res.err != nil {
			switch {
			case errors.Is(res.err, context.Canceled):
				logger.Debug("upstream exchange canceled", query, zap.String("addr", res.from.Address()))
			case errors.Is(res.err, context.DeadlineExceeded):
				logger.Warn("upstream exchange timed out", query, zap.String("addr", res.from.Address()))
			default:
				logger.Warn("upstream exchange failed",
					query,
					zap.String("addr", res.from.Address()),
					zap.Bool("trusted", res.from.Trusted()),
					zap.Error(res.err))
				if res.from.Trusted() {
					errMsgs = append(errMsgs, fmt.Sprintf("[%s: %v]", res.from.Address(), res.err))
				}
			}
			continue
		}
		if res.r == nil {
			continue
		}

		if res.r.Rcode == dns.RcodeSuccess && len(res.r.Answer) > 0 {
			return res.r, nil
		}

		if res.from.Trusted() && trustedResponse == nil {
			trustedResponse = res.r
		} else if !res.from.Trusted() {
			logger.Debug("discarded untrusted response",
				query,
				zap.String("addr", res.from.Address()),
				zap.String("rcode", dns.RcodeToString[res.r.Rcode]))
		}
	}

	if trustedResponse != nil {
		return trustedResponse, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(errMsgs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAllFailed, strings.Join(errMsgs, ", "))
	}
	return nil, ErrAllFailed
}
