package coremain

import (
	"sync/atomic"

	"github.com/pmkol/packetcache/mlog"
)

type Config struct {
	Log       mlog.LogConfig   `yaml:"log"`
	Cache     CacheConfig      `yaml:"cache"`
	Server    ServerConfig     `yaml:"server"`
	Upstreams []UpstreamConfig `yaml:"upstreams"`
	API       APIConfig        `yaml:"api"`
}

type CacheConfig struct {
	CacheTTL          uint32 `yaml:"cache_ttl"`           // (sec) zero disables caching of non-recursive answers.
	RecursiveCacheTTL uint32 `yaml:"recursive_cache_ttl"` // (sec) zero disables caching of recursive answers.
	Recursor          bool   `yaml:"recursor"`            // queries with rd set merit recursion.
	MaxCacheEntries   int    `yaml:"max_cache_entries"`   // zero means unlimited.
}

type ServerConfig struct {
	// Listen: server "host:port" addr.
	Listen string `yaml:"listen"`

	// Protocols to listen on, "udp" and/or "tcp".
	Protocols []string `yaml:"protocols"`

	Timeout     uint `yaml:"timeout"`      // (sec) query timeout.
	IdleTimeout uint `yaml:"idle_timeout"` // (sec) tcp connection idle timeout.
}

type UpstreamConfig struct {
	Addr    string `yaml:"addr"`
	Trusted bool   `yaml:"trusted"`
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

// cacheSettings serves the current CacheConfig to the packet cache. It is
// swapped when the config file changes.
type cacheSettings struct {
	p atomic.Pointer[CacheConfig]
}

func newCacheSettings(c CacheConfig) *cacheSettings {
	s := new(cacheSettings)
	s.store(c)
	return s
}

func (s *cacheSettings) store(c CacheConfig) {
	s.p.Store(&c)
}

func (s *cacheSettings) CacheTTL() uint32          { return s.p.Load().CacheTTL }
func (s *cacheSettings) RecursiveCacheTTL() uint32 { return s.p.Load().RecursiveCacheTTL }
func (s *cacheSettings) Recursor() bool            { return s.p.Load().Recursor }
func (s *cacheSettings) MaxCacheEntries() int      { return s.p.Load().MaxCacheEntries }
