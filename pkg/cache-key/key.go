package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	originSeparator  = ":"
	methodSeparator  = ":"
	variantSeparator = "\t"
)

type CacheKeyer struct {
	// Unique identifier for the site.
	// Keeps entries of different sites apart in a shared store.
	OriginId string
	// Cache key prefix for this origin
	OriginPrefix string
}

func NewCacheKeyer(originId string) CacheKeyer {
	return CacheKeyer{
		OriginId:     originId,
		OriginPrefix: originId + originSeparator,
	}
}

// MethodPrefix gets the key prefix for the origin with the given method.
// E.g. prefix for all GET requests in the cache.
func (c CacheKeyer) MethodPrefix(method string) string {
	return c.OriginPrefix + method + methodSeparator
}

// Key returns the cache key for a request.
// The query is normalized, so parameter order does not split entries.
// If the request has a `Cache-Key` header, that value is included in the key.
func (c CacheKeyer) Key(r *http.Request) string {
	method := r.Method
	if method == http.MethodHead {
		method = http.MethodGet
	}
	key := c.MethodPrefix(method) + normalizeURI(r.URL) + variantSeparator
	if ck := r.Header.Get("Cache-Key"); ck != "" {
		key += ck
	}
	return key
}

func normalizeURI(u *url.URL) string {
	uri := u.EscapedPath()
	if uri == "" {
		uri = "/"
	}
	if u.RawQuery != "" {
		// Encode sorts by key
		uri += "?" + u.Query().Encode()
	}
	return uri
}

// GetRequestFromKey generates a caching-wise equal request than the request that resulted in the
// provided key, Cache-Key header included.
// It returns an error if the request cannot for some reason be deducted.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	if !strings.HasPrefix(key, c.OriginPrefix) {
		return nil, fmt.Errorf("Key and origin do not match")
	}
	keyNoOrigin := strings.TrimPrefix(key, c.OriginPrefix)
	keyNoVariant, variant, found := strings.Cut(keyNoOrigin, variantSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	method, uri, found := strings.Cut(keyNoVariant, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	req, err := http.NewRequest(method, uri, nil)
	if err != nil {
		return req, err
	}
	if variant != "" {
		req.Header.Set("Cache-Key", variant)
	}
	return req, nil
}

// PathKeys returns, of the given keys, those stored for GET requests of path,
// whatever their query or Cache-Key.
func (c CacheKeyer) PathKeys(path string, keys []string) []string {
	var matching []string
	for _, key := range keys {
		req, err := c.GetRequestFromKey(key)
		if err != nil || req.Method != http.MethodGet {
			continue
		}
		if req.URL.Path == path {
			matching = append(matching, key)
		}
	}
	return matching
}
