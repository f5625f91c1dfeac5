// Package pages serves text/template pages from a file system.
// A request for /about renders about.tmpl, a request for a directory renders its index.tmpl.
package pages

import (
	"errors"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/always-cache/halfcache/core"
	"github.com/always-cache/halfcache/pkg/render"
	"github.com/rs/zerolog/hlog"
)

const Ext = ".tmpl"

type Handler struct {
	fsys     fs.FS
	renderer *render.Renderer
}

func NewHandler(fsys fs.FS, renderer *render.Renderer) *Handler {
	return &Handler{fsys: fsys, renderer: renderer}
}

// TemplateName returns the template file serving the given URL path.
func TemplateName(urlPath string) string {
	name := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	if name == "" {
		return "index" + Ext
	}
	if strings.HasSuffix(urlPath, "/") {
		return name + "/index" + Ext
	}
	return name + Ext
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := TemplateName(r.URL.Path)
	source, err := fs.ReadFile(h.fsys, name)
	if errors.Is(err, fs.ErrNotExist) {
		// a directory without trailing slash
		if index, ierr := fs.ReadFile(h.fsys, strings.TrimSuffix(name, Ext)+"/index"+Ext); ierr == nil {
			source, err = index, nil
		}
	}
	if errors.Is(err, fs.ErrNotExist) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("template", name).Msg("Could not read template")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	rc, ok := core.FromContext(r.Context())
	if !ok {
		rc = core.NewRenderContext(r)
	}
	out, err := h.renderer.RenderFull(rc, string(source))
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("template", name).Msg("Could not render template")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	contentType := mime.TypeByExtension(path.Ext(strings.TrimSuffix(name, Ext)))
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	io.WriteString(w, out)
}
