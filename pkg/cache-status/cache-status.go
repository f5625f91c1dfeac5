package cachestatus

import (
	"fmt"
	"net/http"
)

const HeaderName = "Cache-Status"

// Name the cache reports itself as.
const CacheName = "HalfCache"

type Status string

const (
	Hit Status = "hit"
	Fwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request,
	// or the response could not be split into cacheable parts.
	FwdBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdMiss FwdReason = "miss"

	// The cache was able to select a response for the request, but
	// it was stale.
	FwdStale FwdReason = "stale"
)

// Details reported next to the forward reason.
const (
	DetailMalformed = "malformed"
	DetailCorrupt   = "corrupt"
	DetailStale     = "replacers-changed"
	DetailStrategy  = "strategy-none"
)

type CacheStatus struct {
	status    Status
	detail    string
	fwdReason FwdReason
	stored    bool
}

func (cs *CacheStatus) Hit() {
	cs.status = Hit
	cs.fwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.status = Fwd
	cs.fwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) IsHit() bool {
	return cs.status == Hit
}

func (cs *CacheStatus) Reason() FwdReason {
	return cs.fwdReason
}

func (cs *CacheStatus) IsStored() bool {
	return cs.stored
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", CacheName, cs.status)
	if cs.status == Fwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status += "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}

// Set writes the status to the header, in front of statuses set by caches closer to the origin.
func (cs *CacheStatus) Set(header http.Header) {
	existing := header.Values(HeaderName)
	header.Set(HeaderName, cs.String())
	for _, v := range existing {
		header.Add(HeaderName, v)
	}
}
