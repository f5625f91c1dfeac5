package halfcache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	cacheupdate "github.com/always-cache/halfcache/pkg/cache-update"
	"github.com/always-cache/halfcache/pkg/replacer"
)

// Invalidate removes the entry stored under key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.log.Trace().Str("key", key).Msg("Invalidating stored response")
	return c.store.Invalidate(ctx, key)
}

// InvalidatePath removes every entry stored for GET requests of the path,
// whatever their query or Cache-Key. path is unescaped, as in url.URL.Path.
func (c *Cache) InvalidatePath(ctx context.Context, path string) error {
	var keys []string
	err := c.store.Keys(ctx, c.keyer.MethodPrefix(http.MethodGet)+escapedPrefix(path), func(key string) {
		keys = append(keys, key)
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, key := range c.keyer.PathKeys(path, keys) {
		if err := c.Invalidate(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InvalidateAll removes every entry of this site.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	var keys []string
	if err := c.store.Keys(ctx, c.keyer.OriginPrefix, func(key string) {
		keys = append(keys, key)
	}); err != nil {
		return err
	}
	c.log.Info().Int("entries", len(keys)).Msg("Invalidating all stored responses")
	var errs []error
	for _, key := range keys {
		if err := c.store.Invalidate(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// escapedPrefix returns the part of path that every escaped spelling of it
// in a cache key starts with: everything before the first character a client
// may percent-encode. Keys keep the escaping of the request.
func escapedPrefix(path string) string {
	i := strings.IndexFunc(path, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		case r == '/', r == '-', r == '.', r == '_', r == '~':
			return false
		}
		return true
	})
	if i < 0 {
		return path
	}
	return path[:i]
}

// invalidate drops a single entry, logging failures.
func (c *Cache) invalidate(ctx context.Context, key string) {
	if err := c.Invalidate(ctx, key); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not invalidate cache entry")
	}
}

// invalidateAfter drops the pages an unsafe request may have changed:
// the request target, the response's Location and Content-Location,
// and every path named by a `Cache-Update` header.
func (c *Cache) invalidateAfter(r *http.Request, res *replacer.Response) {
	if res.StatusCode >= http.StatusBadRequest {
		return
	}
	ctx := context.WithoutCancel(r.Context())

	paths := []string{r.URL.Path}
	for _, name := range []string{"Location", "Content-Location"} {
		if path, ok := sameOriginPath(r, res.Header.Get(name)); ok {
			paths = append(paths, path)
		}
	}
	for _, path := range paths {
		if err := c.InvalidatePath(ctx, path); err != nil {
			c.log.Error().Err(err).Str("path", path).Msg("Could not invalidate path")
		}
	}

	for _, update := range cacheupdate.GetCacheUpdates(r, res.Header) {
		update := update
		c.log.Trace().Str("update", update.Path).Dur("delay", update.Delay).Msg("Invalidating cache based on header")
		invalidate := func() {
			if err := c.InvalidatePath(ctx, update.Path); err != nil {
				c.log.Error().Err(err).Str("path", update.Path).Msg("Could not invalidate path")
			}
		}
		if update.Delay > 0 {
			time.AfterFunc(update.Delay, invalidate)
		} else {
			invalidate()
		}
	}
}

// sameOriginPath resolves a header URL against the request and returns its path,
// if it points to the same host.
func sameOriginPath(r *http.Request, value string) (string, bool) {
	if value == "" {
		return "", false
	}
	u, err := url.Parse(value)
	if err != nil {
		return "", false
	}
	if u.Host != "" && u.Host != r.Host {
		return "", false
	}
	return r.URL.ResolveReference(u).Path, true
}
