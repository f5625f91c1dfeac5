// Package halfcache is a page cache for rendered documents with dynamic regions.
//
// The first request for a page renders it in full. Regions between nocache
// markers are cut out and stored as template source next to the static rest
// of the page. Every later request only renders those regions again.
package halfcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/always-cache/halfcache/cache"
	"github.com/always-cache/halfcache/core"
	cachekey "github.com/always-cache/halfcache/pkg/cache-key"
	cachestatus "github.com/always-cache/halfcache/pkg/cache-status"
	"github.com/always-cache/halfcache/pkg/regions"
	"github.com/always-cache/halfcache/pkg/replacer"
	tee "github.com/always-cache/halfcache/pkg/response-writer-tee"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Strategy string

const (
	// Cache the static part of pages, render dynamic regions per request.
	StrategyHalf Strategy = "half"
	// Render every request in full, never store anything.
	StrategyNone Strategy = "none"
	// Cache whole pages. Not supported by this cache.
	StrategyFull Strategy = "full"
)

// ErrUnsupportedStrategy is returned by New for strategies it cannot run.
var ErrUnsupportedStrategy = errors.New("unsupported cache strategy")

const tracerName = "github.com/always-cache/halfcache"

type Config struct {
	// Storage for cache entries. Defaults to an in-memory store.
	Store cache.Store
	// Renders dynamic regions on cache hits. Required.
	Renderer core.FragmentRenderer
	// Defaults to StrategyHalf.
	Strategy Strategy
	// Markers delimiting dynamic regions. Defaults to regions.DefaultMarkers.
	Markers regions.Markers
	// Replacers available to the cache, and the ordered names of those to run.
	Registry  *replacer.Registry
	Replacers []string
	// Identifies the site in cache keys, so several sites can share a store.
	SiteID string
	// Optional constructor for render contexts, called once per response.
	// Use it e.g. for setting request-scoped template variables.
	NewContext func(r *http.Request) *core.RenderContext
	// How long entries live. Zero means until invalidated.
	TTL time.Duration
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type Cache struct {
	store      cache.Store
	renderer   core.FragmentRenderer
	strategy   Strategy
	builder    *core.Builder
	registry   *replacer.Registry
	chain      replacer.Chain
	keyer      cachekey.CacheKeyer
	newContext func(r *http.Request) *core.RenderContext
	ttl        time.Duration
	log        zerolog.Logger
	tracer     trace.Tracer
}

// New creates a cache from the given configuration.
func New(config Config) (*Cache, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	strategy := config.Strategy
	if strategy == "" {
		strategy = StrategyHalf
	}
	switch strategy {
	case StrategyHalf, StrategyNone:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedStrategy, strategy)
	}
	if config.Renderer == nil {
		return nil, errors.New("a fragment renderer is required")
	}

	markers := config.Markers.OrDefault()
	if err := markers.Validate(); err != nil {
		return nil, err
	}

	store := config.Store
	if store == nil {
		store = cache.NewMemStore()
	}
	registry := config.Registry
	if registry == nil {
		registry, _ = replacer.NewRegistry()
	}
	chain, err := registry.Chain(config.Replacers...)
	if err != nil {
		return nil, err
	}

	siteID := config.SiteID
	if siteID == "" {
		siteID = "halfcache"
	}
	newContext := config.NewContext
	if newContext == nil {
		newContext = core.NewRenderContext
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("component", "halfcache").
		Str("strategy", string(strategy)).
		Logger()

	return &Cache{
		store:      store,
		renderer:   config.Renderer,
		strategy:   strategy,
		builder:    core.NewBuilder(store, markers),
		registry:   registry,
		chain:      chain,
		keyer:      cachekey.NewCacheKeyer(siteID),
		newContext: newContext,
		ttl:        config.TTL,
		log:        logger,
		tracer:     otel.Tracer(tracerName),
	}, nil
}

// Middleware returns a handler serving next through the cache.
// next renders full pages, leaving dynamic regions marked and unrendered.
func (c *Cache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Serve(w, r, next)
	})
}

// Serve answers the request from the cache, or with a fresh render by next.
func (c *Cache) Serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ctx, span := c.tracer.Start(r.Context(), "halfcache.Serve", trace.WithAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("http.target", r.URL.RequestURI()),
	))
	defer span.End()
	// request loggers (e.g. from hlog) take precedence over the cache logger
	if zerolog.Ctx(ctx).GetLevel() == zerolog.Disabled {
		ctx = c.log.WithContext(ctx)
	}
	r = r.WithContext(ctx)

	var cs cachestatus.CacheStatus
	defer func() {
		span.SetAttributes(
			attribute.Bool("halfcache.hit", cs.IsHit()),
			attribute.String("halfcache.fwd", string(cs.Reason())),
			attribute.Bool("halfcache.stored", cs.IsStored()),
		)
	}()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		cs.Forward(cachestatus.FwdMethod)
		if res, ok := c.renderUncached(w, r, next, &cs); ok {
			c.invalidateAfter(r, res)
		}
		return
	}
	if c.strategy == StrategyNone {
		cs.Forward(cachestatus.FwdBypass)
		cs.Detail(cachestatus.DetailStrategy)
		c.renderUncached(w, r, next, &cs)
		return
	}

	key := c.keyer.Key(r)
	if entry, ok := c.lookup(ctx, key, &cs); ok {
		if c.serveHit(w, r, entry, &cs) {
			return
		}
	}
	c.serveMiss(w, r, next, key, &cs)
}

func (c *Cache) lookup(ctx context.Context, key string, cs *cachestatus.CacheStatus) (cache.CacheEntry, bool) {
	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		cs.Forward(cachestatus.FwdMiss)
		return cache.CacheEntry{}, false
	}
	if !ok {
		cs.Forward(cachestatus.FwdUriMiss)
		return cache.CacheEntry{}, false
	}
	return entry, true
}

// serveHit reconstructs and sends the entry. It returns false if the entry
// cannot be used, in which case nothing was written and a fresh render must follow.
func (c *Cache) serveHit(w http.ResponseWriter, r *http.Request, entry cache.CacheEntry, cs *cachestatus.CacheStatus) bool {
	log := zerolog.Ctx(r.Context())

	chain, err := c.registry.Chain(entry.Replacers...)
	if err != nil {
		log.Warn().Err(err).Str("key", entry.Key).Msg("Entry written with unavailable replacers, re-rendering")
		c.invalidate(r.Context(), entry.Key)
		cs.Forward(cachestatus.FwdStale)
		cs.Detail(cachestatus.DetailStale)
		return false
	}

	rc := c.newContext(r)
	if err := rc.Claim(); err != nil {
		c.fail(w, r, cs, err)
		return true
	}

	_, span := c.tracer.Start(r.Context(), "halfcache.Reconstruct", trace.WithAttributes(
		attribute.Int("halfcache.regions", len(entry.Regions)),
	))
	start := time.Now()
	body, err := core.Reconstruct(entry, rc, c.renderer)
	RenderDuration.WithLabelValues("regions").Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	if errors.Is(err, core.ErrCorruptCacheEntry) {
		log.Error().Err(err).Str("key", entry.Key).Msg("Corrupt cache entry, re-rendering")
		CorruptEntries.Inc()
		c.invalidate(r.Context(), entry.Key)
		cs.Forward(cachestatus.FwdMiss)
		cs.Detail(cachestatus.DetailCorrupt)
		return false
	}
	if err != nil {
		c.fail(w, r, cs, err)
		return true
	}

	res := &replacer.Response{
		Key:        entry.Key,
		StatusCode: entry.StatusCode,
		Header:     entry.Header.Clone(),
		Body:       body,
		Request:    r,
		CreatedAt:  entry.CreatedAt,
	}
	if res.Header == nil {
		res.Header = make(http.Header)
	}
	if err := chain.OnCacheRead(res); err != nil {
		ReplacerFailures.WithLabelValues("read").Inc()
		c.fail(w, r, cs, err)
		return true
	}

	cs.Hit()
	c.send(w, r, res, cs)
	return true
}

func (c *Cache) serveMiss(w http.ResponseWriter, r *http.Request, next http.Handler, key string, cs *cachestatus.CacheStatus) {
	entry, served, ok := c.render(w, r, next, key, cs)
	if !ok {
		return
	}
	if !mayStore(served.StatusCode, served.Header) {
		c.send(w, r, served, cs)
		return
	}

	stored := served.Clone()
	stored.Body = entry.Skeleton
	stored.Header.Del("Set-Cookie")
	if err := c.chain.OnCacheWrite(served, stored); err != nil {
		ReplacerFailures.WithLabelValues("write").Inc()
		c.fail(w, r, cs, err)
		return
	}

	entry.Skeleton = stored.Body
	entry.StatusCode = stored.StatusCode
	entry.Header = stored.Header
	entry.Replacers = c.chain.Names()
	if c.ttl > 0 {
		entry.Expires = entry.CreatedAt.Add(c.ttl)
	}
	if err := c.builder.Commit(r.Context(), entry); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
	} else {
		cs.Stored()
	}
	c.send(w, r, served, cs)
}

// renderUncached renders and sends a response that is never stored.
func (c *Cache) renderUncached(w http.ResponseWriter, r *http.Request, next http.Handler, cs *cachestatus.CacheStatus) (*replacer.Response, bool) {
	_, served, ok := c.render(w, r, next, "", cs)
	if ok {
		c.send(w, r, served, cs)
	}
	return served, ok
}

// render has next render the page in full with a fresh render context,
// splits the result into an entry and reconstructs the response for this request
// with the same context. It returns false if a response was already written.
func (c *Cache) render(w http.ResponseWriter, r *http.Request, next http.Handler, key string, cs *cachestatus.CacheStatus) (cache.CacheEntry, *replacer.Response, bool) {
	rc := c.newContext(r)
	if err := rc.Claim(); err != nil {
		c.fail(w, r, cs, err)
		return cache.CacheEntry{}, nil, false
	}

	ctx, span := c.tracer.Start(r.Context(), "halfcache.Render")
	rw := tee.NewResponseSaver(nil)
	start := time.Now()
	next.ServeHTTP(rw, r.WithContext(core.WithRenderContext(ctx, rc)))
	RenderDuration.WithLabelValues("full").Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("http.status_code", rw.StatusCode()))
	span.End()

	served := &replacer.Response{
		Key:        key,
		StatusCode: rw.StatusCode(),
		Header:     rw.Header().Clone(),
		Request:    r,
		CreatedAt:  rw.CreatedAt,
	}
	doc := string(rw.Body())

	entry, err := c.builder.Build(key, doc)
	if errors.Is(err, regions.ErrMalformedMarkerSequence) || errors.Is(err, regions.ErrTokenCollision) {
		c.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Serving malformed document uncached")
		MalformedDocuments.Inc()
		cs.Forward(cachestatus.FwdBypass)
		cs.Detail(cachestatus.DetailMalformed)
		served.Body = c.builder.Markers().Strip(doc)
		c.send(w, r, served, cs)
		return cache.CacheEntry{}, nil, false
	}
	if err != nil {
		c.fail(w, r, cs, err)
		return cache.CacheEntry{}, nil, false
	}

	body, err := core.Reconstruct(entry, rc, c.renderer)
	if err != nil {
		c.fail(w, r, cs, err)
		return cache.CacheEntry{}, nil, false
	}
	served.Body = body
	return entry, served, true
}

func (c *Cache) fail(w http.ResponseWriter, r *http.Request, cs *cachestatus.CacheStatus, err error) {
	trace.SpanFromContext(r.Context()).RecordError(err)
	trace.SpanFromContext(r.Context()).SetStatus(codes.Error, err.Error())
	c.log.Error().Err(err).Str("method", r.Method).Str("url", r.URL.String()).Msg("Could not serve request")
	Responses.WithLabelValues("error").Inc()
	cs.Set(w.Header())
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (c *Cache) send(w http.ResponseWriter, r *http.Request, res *replacer.Response, cs *cachestatus.CacheStatus) {
	copyHeader(w.Header(), res.Header)
	// the body is rebuilt for every response
	w.Header().Del("Content-Length")
	cs.Set(w.Header())
	w.WriteHeader(res.StatusCode)
	if r.Method != http.MethodHead {
		if _, err := io.WriteString(w, res.Body); err != nil {
			c.log.Error().Err(err).Msg("Could not write response body to client")
		}
	}
	c.logRequest(r, res, cs)
}

func (c *Cache) logRequest(r *http.Request, res *replacer.Response, cs *cachestatus.CacheStatus) {
	result := "miss"
	switch {
	case cs.IsHit():
		result = "hit"
	case cs.Reason() == cachestatus.FwdBypass || cs.Reason() == cachestatus.FwdMethod:
		result = "bypass"
	}
	Responses.WithLabelValues(result).Inc()

	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	c.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", res.StatusCode).
		Str("fwd", string(cs.Reason())).
		Bool("stored", cs.IsStored()).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
