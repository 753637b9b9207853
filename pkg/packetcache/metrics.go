package packetcache

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	hit            prometheus.Counter
	miss           prometheus.Counter
	size           prometheus.Gauge
	deferredLookup prometheus.Counter
	deferredInsert prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		hit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "packetcache_hit",
			Help: "The number of queries answered from the packet cache",
		}),
		miss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "packetcache_miss",
			Help: "The number of queries the packet cache could not answer",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "packetcache_size",
			Help: "The number of entries in the packet cache",
		}),
		deferredLookup: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deferred_cache_lookup",
			Help: "The number of cache lookups skipped because the cache was locked",
		}),
		deferredInsert: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deferred_cache_inserts",
			Help: "The number of cache inserts dropped because the cache was locked",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.hit, m.miss, m.size, m.deferredLookup, m.deferredInsert)
	}
	return m
}
