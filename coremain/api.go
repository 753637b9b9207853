package coremain

import (
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pmkol/packetcache/pkg/packetcache"
)

func newAPIMux(c *packetcache.Cache, reg *prometheus.Registry, lg *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// pattern "" flushes the whole cache, "example.com$" a name and its
	// subdomains, anything else one exact name.
	mux.HandleFunc("/cache/purge", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()
		if !query.Has("pattern") {
			http.Error(w, "missing pattern", http.StatusBadRequest)
			return
		}
		pattern := query.Get("pattern")
		n := c.Purge(pattern)
		lg.Info("cache purged", zap.String("pattern", pattern), zap.Int("removed", n))
		fmt.Fprintf(w, "%d\n", n)
	})

	mux.HandleFunc("/cache/size", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%d\n", c.Size())
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}
