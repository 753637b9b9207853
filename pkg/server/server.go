package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/packetcache/pkg/dnsutils"
	D "github.com/pmkol/packetcache/pkg/server/dns_handler"
)

var (
	ErrServerClosed      = errors.New("server closed")
	errMissingDNSHandler = errors.New("missing dns handler")
)

var nopLogger = zap.NewNop()

const (
	defaultQueryTimeout   = time.Second * 5
	defaultTCPIdleTimeout = time.Second * 10
)

type ServerOpts struct {
	// Logger optionally specifies a logger for the server logging.
	// A nil Logger will disable the logging.
	Logger *zap.Logger

	// DNSHandler is the dns handler required by UDP and TCP server.
	DNSHandler D.Handler

	// QueryTimeout limits the time a query may spend in DNSHandler.
	// Default is 5s.
	QueryTimeout time.Duration

	// IdleTimeout limits the maximum time period that a tcp connection
	// can idle. Default is 10s.
	IdleTimeout time.Duration
}

func (opts *ServerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultTCPIdleTimeout
	}
}

type Server struct {
	opts ServerOpts

	m       sync.Mutex
	closed  bool
	servers map[*trackedServer]struct{}
}

type trackedServer struct {
	*dns.Server
	started chan struct{}
	done    chan struct{}
}

// shutdown stops ts once it is running. A server that never started is left
// alone, its ActivateAndServe has already returned.
func (ts *trackedServer) shutdown() {
	select {
	case <-ts.started:
		_ = ts.Shutdown()
	case <-ts.done:
	}
}

func NewServer(opts ServerOpts) *Server {
	opts.init()
	return &Server{
		opts: opts,
	}
}

// Closed returns true if server was closed.
func (s *Server) Closed() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closed
}

// trackServer adds or removes ds and returns true if Server is not closed.
func (s *Server) trackServer(ds *trackedServer, add bool) bool {
	s.m.Lock()
	defer s.m.Unlock()

	if s.servers == nil {
		s.servers = make(map[*trackedServer]struct{})
	}
	if add {
		if s.closed {
			return false
		}
		s.servers[ds] = struct{}{}
	} else {
		delete(s.servers, ds)
	}
	return true
}

// ServeUDP serves queries from c until the Server is closed.
func (s *Server) ServeUDP(c net.PacketConn) error {
	return s.serve(&dns.Server{PacketConn: c})
}

// ServeTCP serves queries from l until the Server is closed.
func (s *Server) ServeTCP(l net.Listener) error {
	idle := s.opts.IdleTimeout
	return s.serve(&dns.Server{
		Listener:    l,
		IdleTimeout: func() time.Duration { return idle },
	})
}

func (s *Server) serve(ds *dns.Server) error {
	if s.opts.DNSHandler == nil {
		return errMissingDNSHandler
	}
	ts := &trackedServer{
		Server:  ds,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	ds.Handler = dns.HandlerFunc(s.handle)
	ds.NotifyStartedFunc = func() { close(ts.started) }

	if ok := s.trackServer(ts, true); !ok {
		return ErrServerClosed
	}
	defer s.trackServer(ts, false)
	defer close(ts.done)

	err := ds.ActivateAndServe()
	if s.Closed() {
		return ErrServerClosed
	}
	return err
}

func (s *Server) handle(w dns.ResponseWriter, q *dns.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.QueryTimeout)
	defer cancel()

	r, err := s.opts.DNSHandler.ServeDNS(ctx, q)
	if err != nil {
		s.opts.Logger.Warn("handler err",
			zap.String("query", dnsutils.QuestionString(q)),
			zap.Stringer("from", w.RemoteAddr()),
			zap.Error(err))
		r = new(dns.Msg)
		r.SetRcode(q, dns.RcodeServerFailure)
	}
	if r == nil {
		return
	}

	r.Id = q.Id
	if _, isUDP := w.RemoteAddr().(*net.UDPAddr); isUDP {
		r.Truncate(getUDPSize(q))
	}
	if err := w.WriteMsg(r); err != nil {
		s.opts.Logger.Warn("failed to write response",
			zap.Stringer("client", w.RemoteAddr()),
			zap.Error(err))
	}
}

func getUDPSize(m *dns.Msg) int {
	var s uint16
	if opt := m.IsEdns0(); opt != nil {
		s = opt.UDPSize()
	}
	if s < dns.MinMsgSize {
		s = dns.MinMsgSize
	}
	return int(s)
}

// Close closes the Server and all its listeners.
func (s *Server) Close() {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return
	}
	s.closed = true

	servers := make([]*trackedServer, 0, len(s.servers))
	for ts := range s.servers {
		servers = append(servers, ts)
	}
	s.servers = nil
	s.m.Unlock()

	for _, ts := range servers {
		ts.shutdown()
	}
}
