// Package replacer is the post-processing pipeline of the cache.
// Every replacer runs once when a freshly rendered page is written to the
// cache, and once for every page served from the cache.
package replacer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrReplacerFailure wraps any error returned by a replacer.
	// The response it was working on must not be served.
	ErrReplacerFailure = errors.New("replacer failed")
	// ErrUnknownReplacer is returned when a chain names a replacer the registry does not hold.
	ErrUnknownReplacer = errors.New("unknown replacer")
)

// Response is the document a replacer works on.
type Response struct {
	Key        string
	StatusCode int
	Header     http.Header
	Body       string
	// Request the response is served to. Nil when no request is at hand.
	Request *http.Request
	// When the page was rendered in full.
	CreatedAt time.Time
}

// Logger returns the logger of the request context, a disabled logger
// if there is no request or no logger.
func (r *Response) Logger() *zerolog.Logger {
	if r.Request == nil {
		return zerolog.Ctx(context.Background())
	}
	return zerolog.Ctx(r.Request.Context())
}

// Clone returns a copy with its own header map.
func (r *Response) Clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	return &c
}

// Replacer rewrites responses on their way into and out of the cache.
type Replacer interface {
	// OnCacheWrite is called once per fresh render, before the entry is stored.
	// served is returned to the triggering request, stored is what gets persisted;
	// the two may be changed independently.
	OnCacheWrite(served, stored *Response) error
	// OnCacheRead is called for every response reconstructed from the cache.
	OnCacheRead(res *Response) error
}

// Funcs adapts a pair of functions to Replacer. Nil functions do nothing.
type Funcs struct {
	Write func(served, stored *Response) error
	Read  func(res *Response) error
}

func (f Funcs) OnCacheWrite(served, stored *Response) error {
	if f.Write == nil {
		return nil
	}
	return f.Write(served, stored)
}

func (f Funcs) OnCacheRead(res *Response) error {
	if f.Read == nil {
		return nil
	}
	return f.Read(res)
}

// Named pairs a replacer with the name configuration refers to it by.
type Named struct {
	Name     string
	Replacer Replacer
}

// Registry is the closed set of replacers available to chains.
// It cannot be changed after construction.
type Registry struct {
	names  []string
	byName map[string]Replacer
}

func NewRegistry(replacers ...Named) (*Registry, error) {
	r := &Registry{byName: make(map[string]Replacer, len(replacers))}
	for _, n := range replacers {
		if n.Name == "" || n.Replacer == nil {
			return nil, fmt.Errorf("replacer %q: name and implementation are required", n.Name)
		}
		if _, dup := r.byName[n.Name]; dup {
			return nil, fmt.Errorf("replacer %q registered twice", n.Name)
		}
		r.names = append(r.names, n.Name)
		r.byName[n.Name] = n.Replacer
	}
	return r, nil
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

func (r *Registry) Lookup(name string) (Replacer, bool) {
	rep, ok := r.byName[name]
	return rep, ok
}

// Chain resolves names, in order, into a chain.
func (r *Registry) Chain(names ...string) (Chain, error) {
	c := Chain{
		names:     make([]string, 0, len(names)),
		replacers: make([]Replacer, 0, len(names)),
	}
	for _, name := range names {
		rep, ok := r.Lookup(name)
		if !ok {
			return Chain{}, fmt.Errorf("%w: %s", ErrUnknownReplacer, name)
		}
		c.names = append(c.names, name)
		c.replacers = append(c.replacers, rep)
	}
	return c, nil
}

// Chain is an ordered list of replacers. The zero value is an empty chain.
type Chain struct {
	names     []string
	replacers []Replacer
}

// Names returns the replacer names in chain order.
func (c Chain) Names() []string {
	return append([]string(nil), c.names...)
}

func (c Chain) Len() int {
	return len(c.replacers)
}

// OnCacheWrite runs the write pass of every replacer in order.
// The first failure stops the pass.
func (c Chain) OnCacheWrite(served, stored *Response) error {
	for i, rep := range c.replacers {
		served.Logger().Trace().Str("replacer", c.names[i]).Str("key", stored.Key).Msg("Applying write replacer")
		if err := rep.OnCacheWrite(served, stored); err != nil {
			return fmt.Errorf("%w: %s on write: %v", ErrReplacerFailure, c.names[i], err)
		}
	}
	return nil
}

// OnCacheRead runs the read pass of every replacer in order.
// The first failure stops the pass.
func (c Chain) OnCacheRead(res *Response) error {
	for i, rep := range c.replacers {
		res.Logger().Trace().Str("replacer", c.names[i]).Str("key", res.Key).Msg("Applying read replacer")
		if err := rep.OnCacheRead(res); err != nil {
			return fmt.Errorf("%w: %s on read: %v", ErrReplacerFailure, c.names[i], err)
		}
	}
	return nil
}
