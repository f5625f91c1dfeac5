package cacheupdate

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var delayPattern = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// CacheUpdate represents a single `Cache-Update` entry.
type CacheUpdate struct {
	// Fully resolved relative path to the resource.
	// Equivalent to `url.URL.Path`.
	Path string
	// Update delay, i.e. delay update by this duration.
	Delay time.Duration
}

// UnsafeRequest reports whether the request method may change state on the origin.
func UnsafeRequest(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// GetCacheUpdates gets the updates specified by the response headers.
// The incoming request is used in order to resolve potentially relative update paths.
// Only unsafe requests can trigger updates.
func GetCacheUpdates(req *http.Request, header http.Header) []CacheUpdate {
	if !UnsafeRequest(req) {
		return nil
	}
	updates := make([]CacheUpdate, 0)
	for _, value := range header.Values("Cache-Update") {
		for _, update := range strings.Split(value, ",") {
			update = strings.TrimSpace(update)
			if update == "" {
				continue
			}
			updates = append(updates, CacheUpdate{
				Path:  getURL(req, update).Path,
				Delay: getDelay(update),
			})
		}
	}
	return updates
}

// getURL returns the URL to update the cache for from the `Cache-Update` header parameter.
// The URL is the first parameter in the header value (separated by a semicolon).
func getURL(r *http.Request, update string) *url.URL {
	possiblyRelativeURL := update
	if i := strings.Index(update, ";"); i != -1 {
		possiblyRelativeURL = update[:i]
	}
	return r.URL.ResolveReference(&url.URL{Path: strings.TrimSpace(possiblyRelativeURL)})
}

// getDelay returns the delay to wait before updating the cache for from the `Cache-Update` header parameter.
// The delay directive syntax is `delay=N`, where N is the number of seconds to wait.
// Directives are separated by a semicolon.
// If no delay directive is found, it returns 0.
func getDelay(update string) time.Duration {
	if matches := delayPattern.FindStringSubmatch(update); matches != nil {
		if delay, err := strconv.Atoi(matches[1]); err == nil {
			return time.Duration(delay) * time.Second
		}
	}
	return 0
}
