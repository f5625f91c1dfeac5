package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/always-cache/halfcache"
	"github.com/always-cache/halfcache/core"
	"github.com/always-cache/halfcache/pkg/pages"
	"github.com/always-cache/halfcache/pkg/render"
	"github.com/always-cache/halfcache/pkg/replacer"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *options) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the templates directory through the cache",
		Long: `Serve the templates directory through the cache.

Spans are exported when tracing is set to stdout or otlp. The otlp exporter
reads its endpoint from OTEL_EXPORTER_OTLP_ENDPOINT or
OTEL_EXPORTER_OTLP_TRACES_ENDPOINT.

POST /.halfcache/invalidate?path=<path> (or ?all) needs the admin token
as bearer token, and is disabled without one.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("port") {
				opts.config.Port = port
			}
			if templates, _ := cmd.Flags().GetString("templates"); templates != "" {
				opts.config.Templates = templates
			}
			if driver, _ := cmd.Flags().GetString("store"); driver != "" {
				opts.config.Store.Driver = driver
			}
			if dsn, _ := cmd.Flags().GetString("dsn"); dsn != "" {
				opts.config.Store.DSN = dsn
			}
			if tracing, _ := cmd.Flags().GetString("tracing"); tracing != "" {
				opts.config.Tracing = tracing
				if err := opts.config.validate(); err != nil {
					return err
				}
			}
			return serve(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	cmd.Flags().String("templates", "", "Directory of page templates")
	cmd.Flags().String("store", "", "Store driver: memory, sqlite or redis")
	cmd.Flags().String("dsn", "", "Store file name (sqlite) or URL (redis)")
	cmd.Flags().String("tracing", "", "Span exporter: none, stdout or otlp")
	return cmd
}

// templateFuncs are the functions available to every page.
func templateFuncs(rc *core.RenderContext) template.FuncMap {
	return template.FuncMap{
		"now": func() time.Time { return rc.Now },
		"query": func(name string) string {
			if rc.Request == nil {
				return ""
			}
			return rc.Request.URL.Query().Get(name)
		},
		"cookie": func(name string) string {
			if rc.Request == nil {
				return ""
			}
			c, err := rc.Request.Cookie(name)
			if err != nil {
				return ""
			}
			return c.Value
		},
	}
}

// newCache sets up the cache and the page renderer from the config.
func newCache(ctx context.Context, opts *options) (*halfcache.Cache, *render.Renderer, error) {
	config := opts.config
	store, closeStore, err := openStore(ctx, config.Store)
	if err != nil {
		return nil, nil, err
	}
	opts.closer = append(opts.closer, closerFunc(closeStore))

	renderer := render.New(config.Markers, templateFuncs)
	c, err := halfcache.New(halfcache.Config{
		Store:     store,
		Renderer:  renderer,
		Strategy:  config.Strategy,
		Markers:   config.Markers,
		Registry:  replacer.Builtin(config.ReplacerOptions),
		Replacers: config.Replacers,
		SiteID:    config.Site,
		TTL:       config.TTL,
		Logger:    &log.Logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return c, renderer, nil
}

// newRouter mounts the site behind the cache. The invalidation endpoint
// requires adminToken as bearer token and is disabled when it is empty.
func newRouter(c *halfcache.Cache, site http.Handler, adminToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Post("/.halfcache/invalidate", func(w http.ResponseWriter, r *http.Request) {
		if adminToken == "" {
			http.NotFound(w, r)
			return
		}
		if !bearerTokenMatches(r, adminToken) {
			hlog.FromRequest(r).Warn().Msg("Rejected invalidation request")
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		var err error
		switch {
		case r.URL.Query().Has("all"):
			err = c.InvalidateAll(r.Context())
		case r.URL.Query().Get("path") != "":
			err = c.InvalidatePath(r.Context(), r.URL.Query().Get("path"))
		default:
			http.Error(w, "Specify path or all", http.StatusBadRequest)
			return
		}
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not invalidate")
			http.Error(w, "Could not invalidate", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/*", c.Middleware(site))
	return r
}

func bearerTokenMatches(r *http.Request, token string) bool {
	given, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(token)) == 1
}

func serve(ctx context.Context, opts *options) error {
	shutdownTracing, err := setupTracing(ctx, opts.config.Tracing, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not flush spans")
		}
	}()

	c, renderer, err := newCache(ctx, opts)
	if err != nil {
		return err
	}
	site := pages.NewHandler(os.DirFS(opts.config.Templates), renderer)
	if opts.config.AdminToken == "" {
		log.Info().Msgf("Invalidation endpoint disabled, set adminToken or %s to enable it", adminTokenEnv)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.config.Port),
		Handler: newRouter(c, site, opts.config.AdminToken),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("Serving %s on port %d (strategy %s, store %s)", opts.config.Templates, opts.config.Port, opts.config.Strategy, opts.config.Store.Driver)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
