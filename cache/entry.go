package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/always-cache/halfcache/pkg/regions"
	"github.com/cespare/xxhash/v2"
)

// ErrChecksumMismatch is returned by Verify when an entry does not match its seal.
var ErrChecksumMismatch = errors.New("cache entry checksum mismatch")

// CacheEntry is a stored page: the skeleton with placeholder tokens
// and the dynamic regions that fill them on every hit.
type CacheEntry struct {
	// Request fingerprint the entry is stored under.
	Key string `json:"key"`
	// Rendered document with one token per top-level dynamic region.
	Skeleton string `json:"skeleton"`
	// Dynamic regions in document order.
	Regions []regions.DynamicRegion `json:"regions"`
	// Names of the replacers (in order) the entry was written with.
	Replacers []string `json:"replacers,omitempty"`
	// Status code and headers of the response that produced the entry.
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header,omitempty"`
	// When the entry was built.
	CreatedAt time.Time `json:"created_at"`
	// Zero means the entry does not expire.
	Expires time.Time `json:"expires,omitempty"`
	// xxhash64 of the skeleton and region table, see Seal.
	Checksum uint64 `json:"checksum"`
}

// IsExpired returns true if the entry has an expiry and it has passed.
func (e *CacheEntry) IsExpired() bool {
	return !e.Expires.IsZero() && time.Now().After(e.Expires)
}

// TTL returns the time until expiration, 0 if the entry never expires.
// Expired entries return a negative duration.
func (e *CacheEntry) TTL() time.Duration {
	if e.Expires.IsZero() {
		return 0
	}
	return time.Until(e.Expires)
}

// Seal computes and stores the checksum of the entry content.
func (e *CacheEntry) Seal() {
	e.Checksum = e.sum()
}

// Verify returns ErrChecksumMismatch if the content changed since Seal.
func (e *CacheEntry) Verify() error {
	if e.Checksum != e.sum() {
		return ErrChecksumMismatch
	}
	return nil
}

func (e *CacheEntry) sum() uint64 {
	d := xxhash.New()
	d.WriteString(e.Key)
	d.WriteString("\x00")
	d.WriteString(e.Skeleton)
	for _, r := range e.Regions {
		d.WriteString("\x00")
		d.WriteString(r.ID)
		d.WriteString("\x00")
		d.WriteString(strconv.Itoa(len(r.Source)))
		d.WriteString("\x00")
		d.WriteString(r.Source)
	}
	return d.Sum64()
}

// Clone returns a deep copy, so callers can never mutate a stored entry.
func (e CacheEntry) Clone() CacheEntry {
	c := e
	if e.Regions != nil {
		c.Regions = append([]regions.DynamicRegion(nil), e.Regions...)
	}
	if e.Replacers != nil {
		c.Replacers = append([]string(nil), e.Replacers...)
	}
	c.Header = e.Header.Clone()
	return c
}

// record is the persisted form of a CacheEntry. Document text is kept as
// bytes so pages in any charset read back byte-identical.
type record struct {
	Key        []byte        `json:"key"`
	Skeleton   []byte        `json:"skeleton"`
	Regions    []regionBytes `json:"regions"`
	Replacers  []string      `json:"replacers,omitempty"`
	StatusCode int           `json:"status_code"`
	Header     http.Header   `json:"header,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	Expires    time.Time     `json:"expires,omitempty"`
	Checksum   uint64        `json:"checksum"`
}

type regionBytes struct {
	ID     string `json:"id"`
	Source []byte `json:"source"`
	Depth  int    `json:"depth"`
}

func encodeEntry(e CacheEntry) ([]byte, error) {
	rec := record{
		Key:        []byte(e.Key),
		Skeleton:   []byte(e.Skeleton),
		Regions:    make([]regionBytes, len(e.Regions)),
		Replacers:  e.Replacers,
		StatusCode: e.StatusCode,
		Header:     e.Header,
		CreatedAt:  e.CreatedAt,
		Expires:    e.Expires,
		Checksum:   e.Checksum,
	}
	for i, r := range e.Regions {
		rec.Regions[i] = regionBytes{ID: r.ID, Source: []byte(r.Source), Depth: r.Depth}
	}
	return json.Marshal(rec)
}

func decodeEntry(data []byte) (CacheEntry, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return CacheEntry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	e := CacheEntry{
		Key:        string(rec.Key),
		Skeleton:   string(rec.Skeleton),
		Replacers:  rec.Replacers,
		StatusCode: rec.StatusCode,
		Header:     rec.Header,
		CreatedAt:  rec.CreatedAt,
		Expires:    rec.Expires,
		Checksum:   rec.Checksum,
	}
	if len(rec.Regions) > 0 {
		e.Regions = make([]regions.DynamicRegion, len(rec.Regions))
		for i, r := range rec.Regions {
			e.Regions[i] = regions.DynamicRegion{ID: r.ID, Source: string(r.Source), Depth: r.Depth}
		}
	}
	return e, nil
}
