package packetcache

import (
	"strings"

	"go.uber.org/zap"
)

// Cleanup removes expired entries, oldest first.
//
// If the cache holds more than MaxCacheEntries entries it scans up to five
// times the overflow and stops once more than the overflow was removed.
// Live entries are never removed, so one call may leave the cache above
// the limit. Otherwise it scans a tenth of the cache.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := c.idx.len()
	c.m.size.Set(float64(size))
	if size == 0 {
		return
	}

	maxEntries := c.resolvePolicy().maxEntries
	toTrim := 0
	if maxEntries > 0 && size > maxEntries {
		toTrim = size - maxEntries
	}
	lookAt := size / 10
	if toTrim > 0 {
		lookAt = 5 * toTrim
	}

	now := c.now()
	erased := 0
	el := c.idx.oldest()
	for scanned := 0; el != nil && scanned < lookAt; scanned++ {
		next := el.Next()
		if el.Value.TTD < now {
			c.idx.removeElem(el)
			erased++
		}
		if toTrim > 0 && erased > toTrim {
			break
		}
		el = next
	}

	c.m.size.Set(float64(c.idx.len()))
	c.opts.Logger.Debug("cache cleanup done",
		zap.Int("size", size),
		zap.Int("to_trim", toTrim),
		zap.Int("erased", erased))
}

// Purge removes entries by name and returns how many were removed.
//
// An empty pattern clears the cache. A pattern ending in "$" removes the
// name before the "$" and every name below it. Any other pattern removes all
// entries for exactly that name. Names match case-insensitively.
func (c *Cache) Purge(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	switch {
	case len(pattern) == 0:
		n = c.idx.clear()
	case strings.HasSuffix(pattern, "$"):
		n = c.idx.removeSuffix(strings.TrimSuffix(pattern, "$"))
	default:
		n = c.idx.removeExact(pattern)
	}
	c.m.size.Set(float64(c.idx.len()))
	return n
}
