package halfcache

import (
	"net/http"
	"strings"
)

type CacheControl struct {
	m map[string]string
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.m[directive]
	return val, ok
}

func (c CacheControl) Has(directive string) bool {
	_, ok := c.m[directive]
	return ok
}

func ParseCacheControl(header string) CacheControl {
	m := make(map[string]string)
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(directive)
		if directive == "" {
			continue
		}
		parts := strings.SplitN(directive, "=", 2)
		var val string
		if len(parts) > 1 {
			val = strings.Trim(parts[1], `"`)
		}
		m[strings.ToLower(parts[0])] = val
	}
	return CacheControl{m}
}

// mayStore reports whether a rendered response may be written to the cache.
// Only successes are stored, and never when the handler opted out.
func mayStore(statusCode int, header http.Header) bool {
	if statusCode != http.StatusOK {
		return false
	}
	cc := ParseCacheControl(strings.Join(header.Values("Cache-Control"), ","))
	return !cc.Has("no-store") && !cc.Has("private")
}
