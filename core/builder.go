package core

import (
	"context"
	"fmt"
	"time"

	"github.com/always-cache/halfcache/cache"
	"github.com/always-cache/halfcache/pkg/regions"
	"github.com/rs/zerolog"
)

// Builder turns rendered documents into cache entries and writes them to the store.
// Entries only reach the store through Commit.
type Builder struct {
	store   cache.Store
	markers regions.Markers
	now     func() time.Time
}

func NewBuilder(store cache.Store, markers regions.Markers) *Builder {
	return &Builder{
		store:   store,
		markers: markers.OrDefault(),
		now:     time.Now,
	}
}

// Markers returns the marker pair documents are scanned with.
func (b *Builder) Markers() regions.Markers {
	return b.markers
}

// Build extracts the dynamic regions of doc into a sealed entry for key.
// The entry is not stored.
func (b *Builder) Build(key string, doc string) (cache.CacheEntry, error) {
	skeleton, dynamic, err := regions.Extract(doc, b.markers)
	if err != nil {
		return cache.CacheEntry{}, err
	}
	entry := cache.CacheEntry{
		Key:       key,
		Skeleton:  skeleton,
		Regions:   dynamic,
		CreatedAt: b.now(),
	}
	entry.Seal()
	return entry, nil
}

// Commit re-seals the entry and stores it, replacing any entry for the same key.
// Entries whose skeleton and region table disagree are refused.
// It logs to the logger of ctx.
func (b *Builder) Commit(ctx context.Context, entry cache.CacheEntry) error {
	if err := CheckInvariant(entry); err != nil {
		return fmt.Errorf("refusing to store %s: %w", entry.Key, err)
	}
	entry.Seal()
	if err := b.store.Put(ctx, entry); err != nil {
		return fmt.Errorf("store %s: %w", entry.Key, err)
	}
	zerolog.Ctx(ctx).Trace().Str("key", entry.Key).Int("regions", len(entry.Regions)).Time("expiry", entry.Expires).Msg("Cache write")
	return nil
}
