// Package packetcache caches packed DNS responses keyed by question name,
// question type, entry type, zone and whether the query merits recursion.
//
// The cache never makes a serving goroutine wait: Get and Insert try the lock
// once and give up on contention. Expired entries are removed by Cleanup,
// which Get runs every cleanupInterval lookups, and by Purge.
package packetcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	cleanupInterval     = 5000
	sizeRefreshInterval = 1000
)

var nopLogger = zap.NewNop()

// Result is the outcome of Cache.Get.
type Result uint8

const (
	// Miss means no live entry exists, or the query cannot be cached.
	Miss Result = iota
	// Hit means the response was filled from the cache.
	Hit
	// LockContended means the cache was busy. Callers treat it as a miss.
	LockContended
	// Malformed means a live entry exists but could not be unpacked.
	// It counts towards packetcache_miss, not packetcache_hit. The entry is
	// left in the cache.
	Malformed
)

func (r Result) String() string {
	switch r {
	case Miss:
		return "miss"
	case Hit:
		return "hit"
	case LockContended:
		return "lock contended"
	case Malformed:
		return "malformed"
	}
	return "unknown"
}

type Opts struct {
	// Logger is the *zap.Logger for this Cache.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// Registerer registers the cache metrics. Optional.
	Registerer prometheus.Registerer

	// Now returns the current time. Default is time.Now.
	Now func() time.Time
}

func (opts *Opts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
}

type Cache struct {
	opts   Opts
	cfg    ConfigProvider
	policy atomic.Pointer[policy]

	mu  sync.RWMutex
	idx *index

	// hit and miss drive the cleanup schedule.
	hit, miss atomic.Uint64
	m         *metrics
}

func NewCache(cfg ConfigProvider, opts Opts) *Cache {
	opts.init()
	return &Cache{
		opts: opts,
		cfg:  cfg,
		idx:  newIndex(),
		m:    newMetrics(opts.Registerer),
	}
}

func (c *Cache) now() int64 {
	return c.opts.Now().Unix()
}

func (c *Cache) lookups() uint64 {
	return c.hit.Load() + c.miss.Load()
}

func (c *Cache) countHit() {
	c.hit.Add(1)
	c.m.hit.Inc()
}

func (c *Cache) countMiss() {
	c.miss.Add(1)
	c.m.miss.Inc()
}

// Get looks up the response to q and unpacks it into out. On Hit the
// question name of out is set to the name of q, preserving its case.
func (c *Cache) Get(q, out *dns.Msg) Result {
	if c.lookups()%cleanupInterval == 0 {
		c.Cleanup()
	}

	p := c.resolvePolicy()
	meritsRecursion, ttl := p.classify(q.RecursionDesired)
	if ttl == 0 {
		c.countMiss()
		return Miss
	}

	// Packets with more than one question are never cached.
	if len(q.Question) != 1 {
		return Miss
	}
	question := q.Question[0]

	if !c.mu.TryRLock() {
		c.m.deferredLookup.Inc()
		return LockContended
	}
	if c.lookups()%sizeRefreshInterval == 0 {
		c.m.size.Set(float64(c.idx.len()))
	}
	var (
		value []byte
		found bool
	)
	e := c.idx.lookup(entryKey{
		qname:           question.Name,
		qtype:           question.Qtype,
		ctype:           PacketCache,
		zoneID:          NoZone,
		meritsRecursion: meritsRecursion,
	})
	if e != nil && e.TTD > c.now() {
		value, found = e.Value, true
	}
	c.mu.RUnlock()

	if !found {
		c.countMiss()
		return Miss
	}

	if err := out.Unpack(value); err != nil {
		c.opts.Logger.Debug("failed to unpack cached response",
			zap.String("qname", question.Name),
			zap.Uint16("qtype", question.Qtype),
			zap.Error(err))
		c.countMiss()
		return Malformed
	}
	if len(out.Question) > 0 {
		out.Question[0].Name = question.Name
	}
	c.countHit()
	return Hit
}

// Insert caches r as the response to q. Insert is advisory: it does nothing
// if q has more than one question, if the ttl for q is zero, or if the cache
// is busy.
func (c *Cache) Insert(q, r *dns.Msg) {
	p := c.resolvePolicy()
	if len(q.Question) != 1 {
		return
	}
	meritsRecursion, ttl := p.classify(q.RecursionDesired)
	if ttl == 0 {
		return
	}

	b, err := r.Pack()
	if err != nil {
		c.opts.Logger.Debug("failed to pack response for caching",
			zap.Stringer("resp", r),
			zap.Error(err))
		return
	}

	question := q.Question[0]
	c.insert(&Entry{
		QName:           question.Name,
		QType:           question.Qtype,
		CType:           PacketCache,
		ZoneID:          NoZone,
		MeritsRecursion: meritsRecursion,
		Value:           b,
		TTD:             c.now() + int64(ttl),
	})
}

// InsertEntry stores value under an explicit key with the given ttl in
// seconds. A zero ttl is a no-op. value is copied.
func (c *Cache) InsertEntry(qname string, qtype uint16, ct EntryType, value []byte, ttl uint32, zoneID int, meritsRecursion bool) {
	if ttl == 0 {
		return
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	c.insert(&Entry{
		QName:           qname,
		QType:           qtype,
		CType:           ct,
		ZoneID:          zoneID,
		MeritsRecursion: meritsRecursion,
		Value:           buf,
		TTD:             c.now() + int64(ttl),
	})
}

func (c *Cache) insert(e *Entry) {
	if !c.mu.TryLock() {
		c.m.deferredInsert.Inc()
		return
	}
	c.idx.set(e)
	c.mu.Unlock()
}

// GetEntry returns the live value stored under an explicit key. It reports
// false on a miss and when the cache is busy. The returned slice must not
// be modified.
func (c *Cache) GetEntry(qname string, qtype uint16, ct EntryType, zoneID int, meritsRecursion bool) ([]byte, bool) {
	if !c.mu.TryRLock() {
		c.m.deferredLookup.Inc()
		return nil, false
	}
	defer c.mu.RUnlock()

	e := c.idx.lookup(entryKey{
		qname:           qname,
		qtype:           qtype,
		ctype:           ct,
		zoneID:          zoneID,
		meritsRecursion: meritsRecursion,
	})
	if e == nil || e.TTD <= c.now() {
		return nil, false
	}
	return e.Value, true
}

// Size returns the number of entries, expired ones included.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.idx.len()
}

// GetCounts is reserved for a per-EntryType breakdown of the cache. The
// index does not track entries by type yet, so it always returns an empty map.
// TODO: count entries per EntryType in index.set/removeElem and report them here.
func (c *Cache) GetCounts() map[EntryType]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[EntryType]int{}
}
