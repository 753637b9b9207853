package dns_handler

import (
	"context"
	"errors"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/packetcache/pkg/dnsutils"
	"github.com/pmkol/packetcache/pkg/packetcache"
)

const defaultQueryTimeout = time.Second * 5

var (
	nopLogger = zap.NewNop()

	errNoQuestion = errors.New("query has no question")
)

// Handler handles a dns query.
type Handler interface {
	// ServeDNS returns the response to q. A nil response with a nil error
	// means the query should be dropped.
	ServeDNS(ctx context.Context, q *dns.Msg) (*dns.Msg, error)
}

type EntryHandlerOpts struct {
	// Logger is used for logging. Default is a noop logger.
	Logger *zap.Logger

	// Cache answers repeated queries. Required.
	Cache *packetcache.Cache

	// Next resolves queries the cache cannot answer. Required.
	Next Handler

	// QueryTimeout limits the time spent in Next. Default is 5s.
	QueryTimeout time.Duration
}

func (opts *EntryHandlerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
}

// EntryHandler serves queries from the packet cache and resolves misses
// through the next handler, caching what it returns.
type EntryHandler struct {
	opts EntryHandlerOpts
	sf   singleflight.Group
}

func NewEntryHandler(opts EntryHandlerOpts) *EntryHandler {
	opts.init()
	return &EntryHandler{opts: opts}
}

func (h *EntryHandler) ServeDNS(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	if len(q.Question) == 0 {
		return nil, errNoQuestion
	}

	cached := new(dns.Msg)
	switch res := h.opts.Cache.Get(q, cached); res {
	case packetcache.Hit:
		cached.Id = q.Id
		return cached, nil
	case packetcache.Malformed:
		h.opts.Logger.Warn("cached response is malformed, resolving again",
			zap.String("query", dnsutils.QuestionString(q)))
	}

	key := dnsutils.GetMsgKey(q)
	if key == "" {
		// Multi-question queries bypass the cache and are never shared.
		return h.resolve(ctx, q)
	}

	v, err, shared := h.sf.Do(key, func() (interface{}, error) {
		r, err := h.resolve(ctx, q)
		if err != nil || r == nil {
			return r, err
		}
		if cacheable(r) {
			h.opts.Cache.Insert(q, r)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	r, _ := v.(*dns.Msg)
	if r == nil {
		return nil, nil
	}
	if shared {
		r = r.Copy()
		r.Id = q.Id
		if len(r.Question) > 0 {
			r.Question[0].Name = q.Question[0].Name
		}
	}
	return r, nil
}

func (h *EntryHandler) resolve(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.QueryTimeout)
	defer cancel()
	r, err := h.opts.Next.ServeDNS(ctx, q)
	if err != nil {
		h.opts.Logger.Debug("failed to resolve query",
			zap.String("query", dnsutils.QuestionString(q)),
			zap.Error(err))
		return nil, err
	}
	return r, nil
}

// cacheable reports whether r is a complete answer worth caching.
func cacheable(r *dns.Msg) bool {
	if r.Truncated {
		return false
	}
	return r.Rcode == dns.RcodeSuccess || r.Rcode == dns.RcodeNameError
}
