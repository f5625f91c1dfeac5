// Package render renders text/template pages for the cache.
//
// A full render executes everything outside nocache markers and emits the
// marked regions as their raw template source between literal markers.
// Those regions are executed later, once per request, as fragments.
//
// A region must be output exactly once by the page around it. Regions inside
// {{range}}, or inside an {{if}} or {{with}} that does not run, fail the
// render with ErrRegionPlacement; move the action into the region instead.
package render

import (
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/always-cache/halfcache/core"
	"github.com/always-cache/halfcache/pkg/regions"
)

// ErrRegionPlacement is returned when template actions around a dynamic
// region drop it or output it more than once.
var ErrRegionPlacement = errors.New("dynamic region not output exactly once")

// FuncsFunc returns the template functions available to one render.
type FuncsFunc func(rc *core.RenderContext) template.FuncMap

type Renderer struct {
	markers regions.Markers
	funcs   FuncsFunc
}

func New(markers regions.Markers, funcs FuncsFunc) *Renderer {
	return &Renderer{
		markers: markers.OrDefault(),
		funcs:   funcs,
	}
}

// RenderFull renders a page with its dynamic regions left in marked, unrendered form.
// Sources with unbalanced markers are executed as a whole, markers included as text.
func (r *Renderer) RenderFull(rc *core.RenderContext, source string) (string, error) {
	skeleton, dynamic, err := regions.Extract(source, r.markers)
	if err != nil {
		return r.execute(rc, source)
	}
	out, err := r.execute(rc, skeleton)
	if err != nil {
		return "", err
	}
	if len(dynamic) == 0 {
		return out, nil
	}

	raw := make(map[string]string, len(dynamic))
	for _, d := range dynamic {
		raw[d.ID] = r.markers.Open + d.Source + r.markers.Close
	}
	locs := regions.FindTokens(out)
	seen := make(map[string]int, len(dynamic))
	for _, loc := range locs {
		seen[out[loc[0]:loc[1]]]++
	}
	for _, d := range dynamic {
		if n := seen[d.ID]; n != 1 {
			return "", fmt.Errorf("%w: region %q output %d times", ErrRegionPlacement, excerpt(d.Source), n)
		}
	}

	var b strings.Builder
	prev := 0
	for _, loc := range locs {
		src, ok := raw[out[loc[0]:loc[1]]]
		if !ok {
			// token-shaped text from template data, Build reports it
			continue
		}
		b.WriteString(out[prev:loc[0]])
		b.WriteString(src)
		prev = loc[1]
	}
	b.WriteString(out[prev:])
	return b.String(), nil
}

func excerpt(source string) string {
	const limit = 40
	if len(source) <= limit {
		return source
	}
	return source[:limit] + "..."
}

// RenderFragment executes the source of one dynamic region.
// Nested markers carry no meaning here and are removed.
func (r *Renderer) RenderFragment(rc *core.RenderContext, source string) (string, error) {
	return r.execute(rc, r.markers.Strip(source))
}

func (r *Renderer) execute(rc *core.RenderContext, source string) (string, error) {
	vars := rc.Vars()
	funcs := make(template.FuncMap, len(vars))
	for name, value := range vars {
		value := value
		funcs[name] = func() any { return value }
	}
	if r.funcs != nil {
		for name, fn := range r.funcs(rc) {
			funcs[name] = fn
		}
	}

	tmpl, err := template.New("page").Funcs(funcs).Parse(source)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	data := vars
	data["Request"] = rc.Request
	data["Now"] = rc.Now

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return b.String(), nil
}
