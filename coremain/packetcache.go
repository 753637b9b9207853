package coremain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/packetcache/mlog"
	"github.com/pmkol/packetcache/pkg/packetcache"
	"github.com/pmkol/packetcache/pkg/server"
	"github.com/pmkol/packetcache/pkg/server/dns_handler"
	"github.com/pmkol/packetcache/pkg/upstream"
)

type PacketCache struct {
	logger   *zap.Logger
	settings *cacheSettings
	cache    *packetcache.Cache
	server   *server.Server

	httpAPIServer *http.Server

	metricsReg *prometheus.Registry
}

// NewPacketCache builds the cache and everything that serves it from cfg.
// Nothing is started yet.
func NewPacketCache(cfg *Config, lg *zap.Logger) (*PacketCache, error) {
	if len(cfg.Upstreams) == 0 {
		return nil, errors.New("no upstream is configured")
	}

	m := &PacketCache{
		logger:     lg,
		settings:   newCacheSettings(cfg.Cache),
		metricsReg: newMetricsReg(),
	}

	m.cache = packetcache.NewCache(m.settings, packetcache.Opts{
		Logger:     lg.Named("cache"),
		Registerer: prometheus.WrapRegistererWithPrefix("pdns_", m.metricsReg),
	})

	queryTimeout := time.Duration(cfg.Server.Timeout) * time.Second
	us := make([]upstream.Upstream, 0, len(cfg.Upstreams))
	for i, uc := range cfg.Upstreams {
		if len(uc.Addr) == 0 {
			return nil, fmt.Errorf("upstream #%d has an empty addr", i)
		}
		us = append(us, upstream.NewForwarder(uc.Addr, uc.Trusted, queryTimeout))
	}

	handler := dns_handler.NewEntryHandler(dns_handler.EntryHandlerOpts{
		Logger:       lg.Named("handler"),
		Cache:        m.cache,
		Next:         upstream.NewBundle(us, lg.Named("upstream")),
		QueryTimeout: queryTimeout,
	})

	m.server = server.NewServer(server.ServerOpts{
		Logger:       lg.Named("server"),
		DNSHandler:   handler,
		QueryTimeout: queryTimeout,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	})

	if len(cfg.API.HTTP) > 0 {
		m.httpAPIServer = &http.Server{
			Addr:    cfg.API.HTTP,
			Handler: newAPIMux(m.cache, m.metricsReg, lg.Named("api")),
		}
	}
	return m, nil
}

func RunPacketCache(cfg *Config, v *viper.Viper) error {
	lg, closeLog, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer closeLog()

	m, err := NewPacketCache(cfg, lg)
	if err != nil {
		return err
	}

	if v != nil {
		v.OnConfigChange(func(e fsnotify.Event) {
			m.reload(v, e)
		})
		v.WatchConfig()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return m.Serve(ctx, cfg.Server)
}

// reload re-reads the cache section after the config file changed. Other
// sections need a restart.
func (m *PacketCache) reload(v *viper.Viper, e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	cfg, err := decodeConfig(v)
	if err != nil {
		m.logger.Warn("failed to reload config", zap.String("file", e.Name), zap.Error(err))
		return
	}
	m.settings.store(cfg.Cache)
	m.cache.Reconfigure()
	m.logger.Info("cache config reloaded",
		zap.String("file", e.Name),
		zap.Uint32("cache_ttl", cfg.Cache.CacheTTL),
		zap.Uint32("recursive_cache_ttl", cfg.Cache.RecursiveCacheTTL),
		zap.Bool("recursor", cfg.Cache.Recursor),
		zap.Int("max_cache_entries", cfg.Cache.MaxCacheEntries),
	)
}

// Serve starts the dns listeners and the api server and blocks until ctx is
// done or one of them fails.
func (m *PacketCache) Serve(ctx context.Context, sc ServerConfig) error {
	if len(sc.Protocols) == 0 {
		return errors.New("no server protocol is configured")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, proto := range sc.Protocols {
		switch proto {
		case "udp":
			c, err := net.ListenPacket("udp", sc.Listen)
			if err != nil {
				m.server.Close()
				return fmt.Errorf("failed to listen on udp %s: %w", sc.Listen, err)
			}
			m.logger.Info("udp server started", zap.Stringer("addr", c.LocalAddr()))
			g.Go(func() error {
				return ignoreClosed(m.server.ServeUDP(c))
			})
		case "tcp":
			l, err := net.Listen("tcp", sc.Listen)
			if err != nil {
				m.server.Close()
				return fmt.Errorf("failed to listen on tcp %s: %w", sc.Listen, err)
			}
			m.logger.Info("tcp server started", zap.Stringer("addr", l.Addr()))
			g.Go(func() error {
				return ignoreClosed(m.server.ServeTCP(l))
			})
		default:
			m.server.Close()
			return fmt.Errorf("unsupported protocol %q", proto)
		}
	}

	if m.httpAPIServer != nil {
		g.Go(func() error {
			m.logger.Info("starting api http server", zap.String("addr", m.httpAPIServer.Addr))
			return ignoreClosed(m.httpAPIServer.ListenAndServe())
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		m.logger.Info("shutting down")
		m.server.Close()
		if m.httpAPIServer != nil {
			m.httpAPIServer.Close()
		}
		return nil
	})
	return g.Wait()
}

func ignoreClosed(err error) error {
	if errors.Is(err, server.ErrServerClosed) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
