package pages

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"

	"github.com/always-cache/halfcache/core"
	"github.com/always-cache/halfcache/pkg/regions"
	"github.com/always-cache/halfcache/pkg/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var site = fstest.MapFS{
	"index.tmpl":      {Data: []byte("home [[nocache]]{{.Request.URL.Path}}[[/nocache]]")},
	"about.tmpl":      {Data: []byte("about {{title}}")},
	"blog/index.tmpl": {Data: []byte("blog")},
	"feed.xml.tmpl":   {Data: []byte("<feed/>")},
	"broken.tmpl":     {Data: []byte("{{nope}}")},
}

func serve(t *testing.T, target string, rc *core.RenderContext) *httptest.ResponseRecorder {
	t.Helper()
	h := NewHandler(site, render.New(regions.DefaultMarkers, nil))
	req := httptest.NewRequest("GET", target, nil)
	if rc != nil {
		req = req.WithContext(core.WithRenderContext(context.Background(), rc))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTemplateName(t *testing.T) {
	tests := map[string]string{
		"/":          "index.tmpl",
		"":           "index.tmpl",
		"/about":     "about.tmpl",
		"/blog/":     "blog/index.tmpl",
		"/../secret": "secret.tmpl",
	}
	for in, want := range tests {
		assert.Equal(t, want, TemplateName(in), in)
	}
}

func TestServeLeavesMarkedRegions(t *testing.T) {
	rec := serve(t, "/", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "home [[nocache]]{{.Request.URL.Path}}[[/nocache]]", rec.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestServeUsesRenderContextFromRequest(t *testing.T) {
	rc := core.NewRenderContext(nil)
	rc.Set("title", "About us")

	rec := serve(t, "/about", rc)

	assert.Equal(t, "about About us", rec.Body.String())
}

func TestServeDirectoryIndex(t *testing.T) {
	assert.Equal(t, "blog", serve(t, "/blog/", nil).Body.String())
	assert.Equal(t, "blog", serve(t, "/blog", nil).Body.String())
}

func TestServeContentType(t *testing.T) {
	rec := serve(t, "/feed.xml", nil)
	assert.Contains(t, rec.Header().Get("Content-Type"), "xml")
}

func TestServeErrors(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, serve(t, "/missing", nil).Code)
	assert.Equal(t, http.StatusInternalServerError, serve(t, "/broken", nil).Code)

	h := NewHandler(site, render.New(regions.DefaultMarkers, nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
