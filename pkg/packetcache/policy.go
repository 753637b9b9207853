package packetcache

// ConfigProvider supplies the cache settings. Values are read once and kept
// until Cache.Reconfigure is called.
type ConfigProvider interface {
	// CacheTTL is the lifetime in seconds of entries for queries that do not
	// merit recursion. Zero disables caching of those queries.
	CacheTTL() uint32

	// RecursiveCacheTTL is the lifetime in seconds of entries for queries
	// that merit recursion. Zero disables caching of those queries.
	RecursiveCacheTTL() uint32

	// Recursor reports whether the server performs recursion.
	Recursor() bool

	// MaxCacheEntries is the entry count cleanup trims towards.
	// Zero means unlimited.
	MaxCacheEntries() int
}

type policy struct {
	ttl          uint32
	recursiveTTL uint32
	doRecursion  bool
	maxEntries   int
}

func loadPolicy(cfg ConfigProvider) *policy {
	return &policy{
		ttl:          cfg.CacheTTL(),
		recursiveTTL: cfg.RecursiveCacheTTL(),
		doRecursion:  cfg.Recursor(),
		maxEntries:   cfg.MaxCacheEntries(),
	}
}

// classify returns whether a query with the given recursion-desired bit
// merits recursion and the ttl that applies to it.
func (p *policy) classify(rd bool) (meritsRecursion bool, ttl uint32) {
	if p.doRecursion && rd {
		return true, p.recursiveTTL
	}
	return false, p.ttl
}

func (c *Cache) resolvePolicy() *policy {
	if p := c.policy.Load(); p != nil {
		return p
	}
	p := loadPolicy(c.cfg)
	if c.policy.CompareAndSwap(nil, p) {
		return p
	}
	// Lost a race against another resolver or a Reconfigure.
	if cur := c.policy.Load(); cur != nil {
		return cur
	}
	return p
}

// Reconfigure drops the resolved settings. The next cache operation reads
// them from the ConfigProvider again.
func (c *Cache) Reconfigure() {
	c.policy.Store(nil)
}
