package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/always-cache/halfcache/cache"
	"github.com/always-cache/halfcache/pkg/regions"
)

// ErrCorruptCacheEntry is returned when an entry's skeleton and region table disagree.
var ErrCorruptCacheEntry = errors.New("corrupt cache entry")

type span struct {
	id         string
	start, end int
}

// CheckInvariant verifies that every token in the skeleton has exactly one
// region and every region token occurs exactly once in the skeleton.
func CheckInvariant(entry cache.CacheEntry) error {
	_, err := locate(entry)
	return err
}

// locate returns the token offsets of the skeleton in document order.
func locate(entry cache.CacheEntry) ([]span, error) {
	byID := make(map[string]bool, len(entry.Regions))
	for _, r := range entry.Regions {
		if !regions.IsToken(r.ID) {
			return nil, fmt.Errorf("%w: region id %q is not a token", ErrCorruptCacheEntry, r.ID)
		}
		if _, dup := byID[r.ID]; dup {
			return nil, fmt.Errorf("%w: region %s listed twice", ErrCorruptCacheEntry, r.ID)
		}
		byID[r.ID] = false
	}

	locs := regions.FindTokens(entry.Skeleton)
	spans := make([]span, 0, len(locs))
	for _, loc := range locs {
		id := entry.Skeleton[loc[0]:loc[1]]
		seen, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: token %s has no region", ErrCorruptCacheEntry, id)
		}
		if seen {
			return nil, fmt.Errorf("%w: token %s occurs more than once", ErrCorruptCacheEntry, id)
		}
		byID[id] = true
		spans = append(spans, span{id: id, start: loc[0], end: loc[1]})
	}
	for _, r := range entry.Regions {
		if !byID[r.ID] {
			return nil, fmt.Errorf("%w: region %s missing from skeleton", ErrCorruptCacheEntry, r.ID)
		}
	}
	return spans, nil
}

// Reconstruct renders every dynamic region of the entry with rc and splices the
// results into the skeleton. Regions are rendered once each, in document order;
// nested markers in a region's source are handed to the renderer as is.
// Rendered text is never scanned for tokens again.
func Reconstruct(entry cache.CacheEntry, rc *RenderContext, renderer FragmentRenderer) (string, error) {
	if err := entry.Verify(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptCacheEntry, err)
	}
	spans, err := locate(entry)
	if err != nil {
		return "", err
	}
	if len(spans) == 0 {
		return entry.Skeleton, nil
	}

	rendered := make(map[string]string, len(entry.Regions))
	size := len(entry.Skeleton)
	for _, r := range entry.Regions {
		out, err := renderer.RenderFragment(rc, r.Source)
		if err != nil {
			return "", fmt.Errorf("render region %s: %w", r.ID, err)
		}
		rendered[r.ID] = out
		size += len(out)
	}

	var b strings.Builder
	b.Grow(size)
	prev := 0
	for _, s := range spans {
		b.WriteString(entry.Skeleton[prev:s.start])
		b.WriteString(rendered[s.id])
		prev = s.end
	}
	b.WriteString(entry.Skeleton[prev:])
	return b.String(), nil
}
