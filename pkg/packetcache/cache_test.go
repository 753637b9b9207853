package packetcache

import (
	"fmt"
	"math/rand"
	"sync"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/packetcache/pkg/dnsutils"
)

type testConfig struct {
	ttl, recursiveTTL uint32
	recursor          bool
	maxEntries        int

	loads atomic.Int32
}

func (c *testConfig) CacheTTL() uint32 {
	c.loads.Add(1)
	return c.ttl
}
func (c *testConfig) RecursiveCacheTTL() uint32 { return c.recursiveTTL }
func (c *testConfig) Recursor() bool            { return c.recursor }
func (c *testConfig) MaxCacheEntries() int      { return c.maxEntries }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, cfg *testConfig) (*Cache, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewCache(cfg, Opts{Now: clock.Now}), clock
}

func newQuery(name string, qtype uint16, rd bool) *dns.Msg {
	q := new(dns.Msg).SetQuestion(name, qtype)
	q.RecursionDesired = rd
	return q
}

func newResp(t *testing.T, q *dns.Msg, ip string) *dns.Msg {
	t.Helper()
	r := new(dns.Msg).SetReply(q)
	rr, err := dns.NewRR(fmt.Sprintf("%s 300 IN A %s", q.Question[0].Name, ip))
	require.NoError(t, err)
	r.Answer = append(r.Answer, rr)
	return r
}

func mustHit(t *testing.T, c *Cache, q *dns.Msg) *dns.Msg {
	t.Helper()
	out := new(dns.Msg)
	require.Equal(t, Hit, c.Get(q, out), "query %s", q.Question[0].Name)
	return out
}

func requireMiss(t *testing.T, c *Cache, q *dns.Msg) {
	t.Helper()
	require.Equal(t, Miss, c.Get(q, new(dns.Msg)), "query %s", q.Question[0].Name)
}

func TestCache_RoundTrip(t *testing.T) {
	c, _ := newTestCache(t, &testConfig{ttl: 60})

	q := newQuery("www.example.com.", dns.TypeA, false)
	r := newResp(t, q, "192.0.2.1")
	c.Insert(q, r)
	require.Equal(t, 1, c.Size())

	out := mustHit(t, c, q)
	want, err := r.Pack()
	require.NoError(t, err)
	got, err := out.Pack()
	require.NoError(t, err)
	require.Equal(t, want, got)

	// The cached question takes the case of the asking query.
	mixed := newQuery("WwW.ExAmPlE.CoM.", dns.TypeA, false)
	out = mustHit(t, c, mixed)
	require.Equal(t, "WwW.ExAmPlE.CoM.", out.Question[0].Name)
	require.Len(t, out.Answer, 1)
	require.Equal(t, r.Answer[0].String(), out.Answer[0].String())

	requireMiss(t, c, newQuery("www.example.com.", dns.TypeAAAA, false))
	require.Equal(t, float64(2), testutil.ToFloat64(c.m.hit))
	require.Equal(t, float64(1), testutil.ToFloat64(c.m.miss))
}

func TestCache_Replace(t *testing.T) {
	c, _ := newTestCache(t, &testConfig{ttl: 60})
	q := newQuery("example.com.", dns.TypeA, false)
	c.Insert(q, newResp(t, q, "192.0.2.1"))
	c.Insert(q, newResp(t, q, "192.0.2.2"))
	require.Equal(t, 1, c.Size())

	out := mustHit(t, c, q)
	require.Equal(t, "192.0.2.2", out.Answer[0].(*dns.A).A.String())
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, &testConfig{ttl: 10})
	q := newQuery("example.com.", dns.TypeA, false)
	c.Insert(q, newResp(t, q, "192.0.2.1"))

	clock.Advance(9 * time.Second)
	mustHit(t, c, q)

	clock.Advance(time.Second)
	requireMiss(t, c, q)

	// Expired entries stay until cleanup finds them.
	require.Equal(t, 1, c.Size())
	clock.Advance(time.Second)
	c.Purge("")
	require.Zero(t, c.Size())
}

func TestCache_Recursion(t *testing.T) {
	cfg := &testConfig{ttl: 30, recursiveTTL: 60, recursor: true}
	c, clock := newTestCache(t, cfg)

	rdQ := newQuery("example.com.", dns.TypeA, true)
	c.Insert(rdQ, newResp(t, rdQ, "192.0.2.1"))
	mustHit(t, c, rdQ)

	// Authoritative-only queries use a separate entry.
	requireMiss(t, c, newQuery("example.com.", dns.TypeA, false))

	clock.Advance(45 * time.Second)
	mustHit(t, c, rdQ)

	clock.Advance(15 * time.Second)
	requireMiss(t, c, rdQ)

	// Without server recursion the rd bit is ignored.
	c2, _ := newTestCache(t, &testConfig{ttl: 30, recursiveTTL: 60})
	c2.Insert(rdQ, newResp(t, rdQ, "192.0.2.1"))
	mustHit(t, c2, newQuery("example.com.", dns.TypeA, false))
}

func TestCache_ZeroTTL(t *testing.T) {
	cfg := &testConfig{ttl: 0, recursiveTTL: 60, recursor: true}
	c, _ := newTestCache(t, cfg)

	q := newQuery("example.com.", dns.TypeA, false)
	c.Insert(q, newResp(t, q, "192.0.2.1"))
	require.Zero(t, c.Size())
	requireMiss(t, c, q)
	require.Equal(t, float64(1), testutil.ToFloat64(c.m.miss))

	// A zero ttl disables serving too, even if an entry exists.
	c.InsertEntry("example.com.", dns.TypeA, PacketCache, []byte{0}, 60, NoZone, false)
	require.Equal(t, 1, c.Size())
	requireMiss(t, c, q)

	c.InsertEntry("zero.example.", dns.TypeA, PacketCache, []byte{0}, 0, NoZone, false)
	require.Equal(t, 1, c.Size())
}

func TestCache_MultiQuestion(t *testing.T) {
	c, _ := newTestCache(t, &testConfig{ttl: 60})

	single := newQuery("example.com.", dns.TypeA, false)
	c.Insert(single, newResp(t, single, "192.0.2.1"))

	multi := newQuery("example.com.", dns.TypeA, false)
	multi.Question = append(multi.Question, dns.Question{Name: "example.org.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
	requireMiss(t, c, multi)

	c.Insert(multi, newResp(t, single, "192.0.2.2"))
	require.Equal(t, 1, c.Size())
	out := mustHit(t, c, single)
	require.Equal(t, "192.0.2.1", out.Answer[0].(*dns.A).A.String())

	require.Equal(t, Miss, c.Get(&dns.Msg{}, new(dns.Msg)))
}

func TestCache_SuffixPurge(t *testing.T) {
	c, _ := newTestCache(t, &testConfig{ttl: 60})
	names := []string{"a.com.", "x.a.com.", "B.a.com.", "aa.com.", "-a.com.", "com."}
	for _, n := range names {
		q := newQuery(n, dns.TypeA, false)
		c.Insert(q, newResp(t, q, "192.0.2.1"))
	}
	require.Equal(t, len(names), c.Size())

	require.Equal(t, 3, c.Purge("a.com$"))
	require.Equal(t, 3, c.Size())
	for _, n := range []string{"a.com.", "x.a.com.", "b.a.com."} {
		requireMiss(t, c, newQuery(n, dns.TypeA, false))
	}
	for _, n := range []string{"aa.com.", "-a.com.", "com."} {
		mustHit(t, c, newQuery(n, dns.TypeA, false))
	}

	require.Equal(t, 0, c.Purge("nothing.here$"))
	require.Equal(t, 3, c.Purge("COM.$"))
	require.Zero(t, c.Size())
}

func TestCache_ExactPurge(t *testing.T) {
	c, _ := newTestCache(t, &testConfig{ttl: 60, recursiveTTL: 60, recursor: true})
	for _, qt := range []uint16{dns.TypeA, dns.TypeAAAA, dns.TypeMX} {
		for _, rd := range []bool{true, false} {
			q := newQuery("example.com.", qt, rd)
			c.Insert(q, newResp(t, q, "192.0.2.1"))
		}
	}
	sub := newQuery("www.example.com.", dns.TypeA, false)
	c.Insert(sub, newResp(t, sub, "192.0.2.1"))
	c.InsertEntry("example.com.", dns.TypeA, QueryCache, []byte("x"), 60, 7, false)
	require.Equal(t, 8, c.Size())

	require.Equal(t, 7, c.Purge("EXAMPLE.com"))
	require.Equal(t, 1, c.Size())
	mustHit(t, c, sub)
	require.Equal(t, 0, c.Purge("example.com."))
}

func TestCache_PurgeAll(t *testing.T) {
	c, _ := newTestCache(t, &testConfig{ttl: 60})
	require.Equal(t, 0, c.Purge(""))
	for i := 0; i < 50; i++ {
		q := newQuery(fmt.Sprintf("n%d.example.", i), dns.TypeA, false)
		c.Insert(q, newResp(t, q, "192.0.2.1"))
	}
	require.Equal(t, 50, c.Purge(""))
	require.Zero(t, c.Size())
	require.Zero(t, testutil.ToFloat64(c.m.size))

	// The cache is usable after a clear.
	q := newQuery("again.example.", dns.TypeA, false)
	c.Insert(q, newResp(t, q, "192.0.2.1"))
	mustHit(t, c, q)
	require.Equal(t, 1, c.Purge("again.example$"))
}

func TestCache_LockContended(t *testing.T) {
	c, _ := newTestCache(t, &testConfig{ttl: 60})
	q := newQuery("example.com.", dns.TypeA, false)

	// Move past the cleanup that runs on the first lookup.
	requireMiss(t, c, q)

	c.mu.Lock()
	require.Equal(t, LockContended, c.Get(q, new(dns.Msg)))
	c.Insert(q, newResp(t, q, "192.0.2.1"))
	_, ok := c.GetEntry("example.com.", dns.TypeA, PacketCache, NoZone, false)
	require.False(t, ok)
	c.mu.Unlock()

	require.Zero(t, c.Size())
	require.Equal(t, float64(2), testutil.ToFloat64(c.m.deferredLookup))
	require.Equal(t, float64(1), testutil.ToFloat64(c.m.deferredInsert))

	// Readers do not block each other.
	c.Insert(q, newResp(t, q, "192.0.2.1"))
	c.mu.RLock()
	out := new(dns.Msg)
	res := c.Get(q, out)
	c.mu.RUnlock()
	require.Equal(t, Hit, res)
}

func TestCache_Malformed(t *testing.T) {
	c, _ := newTestCache(t, &testConfig{ttl: 60})
	c.InsertEntry("bad.example.", dns.TypeA, PacketCache, []byte{0xde, 0xad}, 60, NoZone, false)

	q := newQuery("bad.example.", dns.TypeA, false)
	require.Equal(t, Malformed, c.Get(q, new(dns.Msg)))
	require.Equal(t, Malformed, c.Get(q, new(dns.Msg)))
	require.Equal(t, 1, c.Size())
	require.Equal(t, float64(2), testutil.ToFloat64(c.m.miss))
	require.Zero(t, testutil.ToFloat64(c.m.hit))
}

func TestCache_Entry(t *testing.T) {
	c, clock := newTestCache(t, &testConfig{})
	v := []byte("backend answer")
	c.InsertEntry("Zone.Example.", dns.TypeSOA, QueryCache, v, 30, 3, false)
	v[0] = 'B'

	got, ok := c.GetEntry("zone.example.", dns.TypeSOA, QueryCache, 3, false)
	require.True(t, ok)
	require.Equal(t, []byte("backend answer"), got)

	_, ok = c.GetEntry("zone.example.", dns.TypeSOA, QueryCache, NoZone, false)
	require.False(t, ok)
	_, ok = c.GetEntry("zone.example.", dns.TypeSOA, PacketCache, 3, false)
	require.False(t, ok)
	_, ok = c.GetEntry("zone.example.", dns.TypeSOA, QueryCache, 3, true)
	require.False(t, ok)

	clock.Advance(30 * time.Second)
	_, ok = c.GetEntry("zone.example.", dns.TypeSOA, QueryCache, 3, false)
	require.False(t, ok)
}

func TestCache_EmptyLabelIsDistinct(t *testing.T) {
	c, _ := newTestCache(t, &testConfig{})
	c.InsertEntry("com.", dns.TypeA, PacketCache, []byte("plain"), 60, NoZone, false)
	c.InsertEntry(".com.", dns.TypeA, PacketCache, []byte("dotted"), 60, NoZone, false)
	require.Equal(t, 2, c.Size())

	got, ok := c.GetEntry("com.", dns.TypeA, PacketCache, NoZone, false)
	require.True(t, ok)
	require.Equal(t, []byte("plain"), got)

	require.Equal(t, 1, c.Purge("com"))
	require.Equal(t, 1, c.Size())
	got, ok = c.GetEntry(".com.", dns.TypeA, PacketCache, NoZone, false)
	require.True(t, ok)
	require.Equal(t, []byte("dotted"), got)

	require.Equal(t, 1, c.Purge("com$"))
	require.Zero(t, c.Size())
}

func TestCache_GetCounts(t *testing.T) {
	c, _ := newTestCache(t, &testConfig{ttl: 60})
	q := newQuery("example.com.", dns.TypeA, false)
	c.Insert(q, newResp(t, q, "192.0.2.1"))
	counts := c.GetCounts()
	require.NotNil(t, counts)
	require.Empty(t, counts)
}

func TestCache_Reconfigure(t *testing.T) {
	cfg := &testConfig{ttl: 60}
	c, _ := newTestCache(t, cfg)
	q := newQuery("example.com.", dns.TypeA, false)

	c.Insert(q, newResp(t, q, "192.0.2.1"))
	mustHit(t, c, q)
	mustHit(t, c, q)
	require.Equal(t, int32(1), cfg.loads.Load())

	cfg.ttl = 0
	mustHit(t, c, q)
	c.Reconfigure()
	requireMiss(t, c, q)
	require.Equal(t, int32(2), cfg.loads.Load())
}

func TestCache_CleanupOverflow(t *testing.T) {
	cfg := &testConfig{ttl: 60, maxEntries: 10}
	c, clock := newTestCache(t, cfg)

	for i := 0; i < 100; i++ {
		ttl := uint32(1000)
		if i%2 == 0 {
			ttl = 1
		}
		c.InsertEntry(fmt.Sprintf("n%d.example.", i), dns.TypeA, PacketCache, []byte{0}, ttl, NoZone, false)
	}
	clock.Advance(10 * time.Second)

	prev := c.Size()
	for i := 0; i < 10; i++ {
		c.Cleanup()
		size := c.Size()
		require.LessOrEqual(t, size, prev)
		prev = size
	}
	// Live entries are never trimmed.
	require.Equal(t, 50, prev)
	require.Equal(t, float64(50), testutil.ToFloat64(c.m.size))
}

func TestCache_CleanupStopsAfterOverflow(t *testing.T) {
	c, clock := newTestCache(t, &testConfig{ttl: 60, maxEntries: 10})
	for i := 0; i < 100; i++ {
		c.InsertEntry(fmt.Sprintf("n%d.example.", i), dns.TypeA, PacketCache, []byte{0}, 1, NoZone, false)
	}
	clock.Advance(10 * time.Second)

	c.Cleanup()
	// Removal stops once more than the overflow of 90 entries is gone.
	require.Equal(t, 9, c.Size())
}

func TestCache_CleanupHousekeeping(t *testing.T) {
	c, clock := newTestCache(t, &testConfig{ttl: 60})
	for i := 0; i < 100; i++ {
		ttl := uint32(1000)
		if i < 20 {
			ttl = 1
		}
		c.InsertEntry(fmt.Sprintf("n%d.example.", i), dns.TypeA, PacketCache, []byte{0}, ttl, NoZone, false)
	}
	clock.Advance(10 * time.Second)

	// Without a limit only the oldest tenth is scanned.
	c.Cleanup()
	require.Equal(t, 90, c.Size())
	c.Cleanup()
	require.Equal(t, 81, c.Size())
	_, ok := c.GetEntry("n19.example.", dns.TypeA, PacketCache, NoZone, false)
	require.False(t, ok)
}

func TestCache_CleanupOnLookup(t *testing.T) {
	c, clock := newTestCache(t, &testConfig{ttl: 60})
	for i := 0; i < 10; i++ {
		c.InsertEntry(fmt.Sprintf("n%d.example.", i), dns.TypeA, PacketCache, []byte{0}, 1, NoZone, false)
	}
	clock.Advance(10 * time.Second)

	// The first lookup runs a cleanup pass that scans a tenth of the cache.
	requireMiss(t, c, newQuery("other.example.", dns.TypeA, false))
	require.Equal(t, 9, c.Size())
	requireMiss(t, c, newQuery("other.example.", dns.TypeA, false))
	require.Equal(t, 9, c.Size())
}

func TestCache_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCache(&testConfig{ttl: 60}, Opts{Registerer: reg})
	q := newQuery("example.com.", dns.TypeA, false)
	c.Insert(q, newResp(t, q, "192.0.2.1"))
	c.Get(q, new(dns.Msg))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(mfs))
	for _, mf := range mfs {
		names = append(names, mf.GetName())
	}
	assert.ElementsMatch(t, []string{
		"packetcache_hit",
		"packetcache_miss",
		"packetcache_size",
		"deferred_cache_lookup",
		"deferred_cache_inserts",
	}, names)
}

type issuedKey struct {
	qname           string
	qtype           uint16
	meritsRecursion bool
}

type issuedPurge struct {
	pattern string
	start   int64
}

func purgeMatches(pattern, qname string) bool {
	switch {
	case len(pattern) == 0:
		return true
	case strings.HasSuffix(pattern, "$"):
		return dnsutils.IsSubDomainOrEqual(qname, strings.TrimSuffix(pattern, "$"))
	}
	return dnsutils.EqualNames(qname, pattern)
}

func TestCache_Concurrent(t *testing.T) {
	cfg := &testConfig{ttl: 2, recursiveTTL: 3, recursor: true, maxEntries: 20}
	c := NewCache(cfg, Opts{})

	names := []string{
		"a.com.", "x.a.com.", "y.x.a.com.", "aa.com.", "b.org.", "c.b.org.",
		"EXAMPLE.net.", "www.example.net.", "mail.example.net.", "-a.com.",
	}
	patterns := []string{"a.com$", "b.org", "example.net$", "www.example.net", "com.$"}
	qtypes := []uint16{dns.TypeA, dns.TypeAAAA, dns.TypeMX}

	const workers = 16
	var (
		clock   atomic.Int64
		inserts [workers]map[issuedKey]int64 // key -> when its last insert returned
		purges  [workers][]issuedPurge
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		inserts[w] = make(map[issuedKey]int64)
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < 2000; i++ {
				q := newQuery(names[rnd.Intn(len(names))], qtypes[rnd.Intn(len(qtypes))], rnd.Intn(2) == 0)
				switch op := rnd.Intn(100); {
				case op < 50:
					out := new(dns.Msg)
					if c.Get(q, out) == Hit {
						assert.Equal(t, q.Question[0].Name, out.Question[0].Name)
					}
				case op < 90:
					r := new(dns.Msg).SetReply(q)
					c.Insert(q, r)
					k := issuedKey{dns.CanonicalName(q.Question[0].Name), q.Question[0].Qtype, q.RecursionDesired}
					inserts[w][k] = clock.Add(1)
				case op < 97:
					p := patterns[rnd.Intn(len(patterns))]
					purges[w] = append(purges[w], issuedPurge{pattern: p, start: clock.Add(1)})
					c.Purge(p)
				default:
					c.Cleanup()
				}
			}
		}(w)
	}
	wg.Wait()

	lastInsert := make(map[issuedKey]int64)
	for _, m := range inserts {
		for k, at := range m {
			lastInsert[k] = max(lastInsert[k], at)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Equal(t, c.idx.len(), c.idx.tree.Size())
	seen := make(map[entryKey]struct{})
	for el := c.idx.oldest(); el != nil; el = el.Next() {
		e := el.Value
		k := e.key()
		k.qname = dns.CanonicalName(k.qname)
		_, dup := seen[k]
		require.False(t, dup, "duplicate key %+v", k)
		seen[k] = struct{}{}
		require.Same(t, e, c.idx.lookup(e.key()))

		// Every survivor was inserted, and no purge covering it started
		// after its last insert returned.
		ik := issuedKey{k.qname, e.QType, e.MeritsRecursion}
		at, ok := lastInsert[ik]
		require.True(t, ok, "entry %+v was never inserted", ik)
		for _, ps := range purges {
			for _, p := range ps {
				if p.start > at && purgeMatches(p.pattern, e.QName) {
					t.Fatalf("entry %+v survived purge %q issued after its last insert", ik, p.pattern)
				}
			}
		}
	}
}
