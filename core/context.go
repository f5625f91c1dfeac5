// Package core builds cache entries from rendered documents and reconstructs
// documents from cache entries.
package core

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ErrContextReused is returned when a render context is claimed for a second response.
var ErrContextReused = errors.New("render context already served a response")

var contextSeq atomic.Uint64

// RenderContext is the state of one request as seen by the renderer:
// the request itself, the time it arrived and request-scoped variables.
// A RenderContext serves exactly one response and is never shared.
type RenderContext struct {
	Request *http.Request
	Now     time.Time

	id      uint64
	claimed atomic.Bool

	mutex sync.RWMutex
	vars  map[string]any
}

// NewRenderContext creates a fresh context for the given request.
// The request may be nil when rendering outside of HTTP.
func NewRenderContext(r *http.Request) *RenderContext {
	return &RenderContext{
		Request: r,
		Now:     time.Now(),
		id:      contextSeq.Add(1),
		vars:    make(map[string]any),
	}
}

// ID is unique for every context created in this process.
func (rc *RenderContext) ID() uint64 {
	return rc.id
}

// Context returns the request context, or context.Background without a request.
func (rc *RenderContext) Context() context.Context {
	if rc.Request == nil {
		return context.Background()
	}
	return rc.Request.Context()
}

func (rc *RenderContext) Set(name string, value any) {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()
	rc.vars[name] = value
}

func (rc *RenderContext) Get(name string) (any, bool) {
	rc.mutex.RLock()
	defer rc.mutex.RUnlock()
	v, ok := rc.vars[name]
	return v, ok
}

// Vars returns a copy of the request-scoped variables.
func (rc *RenderContext) Vars() map[string]any {
	rc.mutex.RLock()
	defer rc.mutex.RUnlock()
	vars := make(map[string]any, len(rc.vars))
	for k, v := range rc.vars {
		vars[k] = v
	}
	return vars
}

// Claim marks the context as used for a response.
// It fails if the context was claimed before.
func (rc *RenderContext) Claim() error {
	if !rc.claimed.CompareAndSwap(false, true) {
		return ErrContextReused
	}
	return nil
}

type renderContextKey struct{}

// WithRenderContext returns a copy of ctx carrying rc.
func WithRenderContext(ctx context.Context, rc *RenderContext) context.Context {
	return context.WithValue(ctx, renderContextKey{}, rc)
}

// FromContext returns the render context stored in ctx, if any.
func FromContext(ctx context.Context) (*RenderContext, bool) {
	rc, ok := ctx.Value(renderContextKey{}).(*RenderContext)
	return rc, ok
}
