package halfcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"text/template"
	"time"

	"github.com/always-cache/halfcache/cache"
	"github.com/always-cache/halfcache/core"
	"github.com/always-cache/halfcache/pkg/regions"
	"github.com/always-cache/halfcache/pkg/render"
	"github.com/always-cache/halfcache/pkg/replacer"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, config Config) *Cache {
	t.Helper()
	if config.Renderer == nil {
		config.Renderer = render.New(config.Markers, nil)
	}
	logger := zerolog.Nop()
	config.Logger = &logger
	c, err := New(config)
	require.NoError(t, err)
	return c
}

// counterRenderer renders templates where {{counter}} increments a shared integer.
func counterRenderer() *render.Renderer {
	n := 0
	return render.New(regions.DefaultMarkers, func(*core.RenderContext) template.FuncMap {
		return template.FuncMap{
			"counter": func() int {
				n++
				return n
			},
		}
	})
}

// templateHandler renders the current source with the render context of the request.
func templateHandler(renderer *render.Renderer, source func() string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, ok := core.FromContext(r.Context())
		if !ok {
			http.Error(w, "no render context", http.StatusInternalServerError)
			return
		}
		out, err := renderer.RenderFull(rc, source())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		io.WriteString(w, out)
	})
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
	return rec
}

func static(s string) func() string {
	return func() string { return s }
}

func TestMiddlewareReturnsResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Hello world"))
	})
	req, err := http.NewRequest("GET", "/", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()

	newTestCache(t, Config{}).Middleware(handler).ServeHTTP(rr, req)

	if body, err := io.ReadAll(rr.Result().Body); err != nil || string(body) != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
}

func TestMiddlewareReturnsSecondRequestFromCache(t *testing.T) {
	var handleCount int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("Hello world"))
	})
	req, err := http.NewRequest("GET", "/", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	mw := newTestCache(t, Config{}).Middleware(handler)

	first := httptest.NewRecorder()
	mw.ServeHTTP(first, req)
	mw.ServeHTTP(rr, req)

	if handleCount != 1 {
		t.Fatalf("Next handler called %d times", handleCount)
	}
	if body := rr.Body.String(); body != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
	if cs := first.Header().Get("Cache-Status"); cs != "HalfCache; fwd=uri-miss; stored" {
		t.Fatalf("Cache-Status of first response is %s", cs)
	}
	if cs := rr.Header().Get("Cache-Status"); cs != "HalfCache; hit" {
		t.Fatalf("Cache-Status of second response is %s", cs)
	}
}

func TestCacheHeaders(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("content-type", "text/test")
		w.Header().Add("set-cookie", "session=first-user")
		w.Write([]byte("Hello world"))
	})
	req, err := http.NewRequest("GET", "/", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	mw := newTestCache(t, Config{}).Middleware(handler)

	first := httptest.NewRecorder()
	mw.ServeHTTP(first, req)
	mw.ServeHTTP(rr, req)

	if ct := rr.Result().Header.Get("content-type"); ct != "text/test" {
		t.Fatalf("Content-Type header is %s with body %s", ct, rr.Body.String())
	}
	if first.Header().Get("Set-Cookie") == "" {
		t.Fatal("Set-Cookie missing from the rendered response")
	}
	if sc := rr.Header().Get("Set-Cookie"); sc != "" {
		t.Fatalf("Set-Cookie %s served from cache", sc)
	}
}

func TestCacheUpdate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/update", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("cache-update", "/count")
		w.Write([]byte("Hello world"))
	})
	var handleCount int
	mux.HandleFunc("/count", func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte(fmt.Sprintf("Called %d times", handleCount)))
	})
	mw := newTestCache(t, Config{}).Middleware(mux)
	req, _ := http.NewRequest("POST", "/update", nil)
	countReq, _ := http.NewRequest("GET", "/count", nil)

	rr := httptest.NewRecorder()

	mw.ServeHTTP(httptest.NewRecorder(), countReq)
	mw.ServeHTTP(httptest.NewRecorder(), req)
	mw.ServeHTTP(rr, countReq)

	if body := rr.Body.String(); body != "Called 2 times" {
		t.Fatalf("Body is %s", body)
	}
}

func TestInvalidateOnPost(t *testing.T) {
	handleCount := 0
	assertCount := func(count int) {
		t.Helper()
		if count != handleCount {
			t.Fatalf("Handler called %d times, expected %d", handleCount, count)
		}
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte(fmt.Sprintf("So you wanted to %s?", r.Method)))
	})
	get, _ := http.NewRequest("GET", "/", nil)
	post, _ := http.NewRequest("POST", "/", nil)
	mw := newTestCache(t, Config{}).Middleware(handler)

	mw.ServeHTTP(httptest.NewRecorder(), get)
	assertCount(1)
	mw.ServeHTTP(httptest.NewRecorder(), get)
	assertCount(1)
	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, post)
	assertCount(2)
	if body := rr.Body.String(); body != "So you wanted to POST?" {
		t.Fatalf("body is %s", body)
	}
	if cs := rr.Header().Get("Cache-Status"); cs != "HalfCache; fwd=method" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	// the post invalidated the page
	mw.ServeHTTP(httptest.NewRecorder(), get)
	assertCount(3)
	mw.ServeHTTP(httptest.NewRecorder(), get)
	assertCount(3)
}

func TestInvalidateBeforeResponding(t *testing.T) {
	listCount := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fmt.Sprintf("%d elements", listCount)))
	})
	mux.HandleFunc("/add", func(w http.ResponseWriter, r *http.Request) {
		// only add if post request
		if r.Method == "POST" {
			listCount++
			w.Header().Add("cache-update", "/list")
			w.Write([]byte("done"))
		} else {
			w.Write([]byte("nothing to do on get"))
		}
	})
	mw := newTestCache(t, Config{}).Middleware(mux)

	rr := get(mw, "/list")
	if body := rr.Body.String(); body != "0 elements" {
		t.Fatalf("body is %s", body)
	}
	// create post, which will invalidate the list, and return when the response is done
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/add", nil))

	rr = get(mw, "/list")
	if body := rr.Body.String(); body != "1 elements" {
		t.Fatalf("body is %s", body)
	}
}

func TestInvalidateLocation(t *testing.T) {
	version := 1
	mux := http.NewServeMux()
	mux.HandleFunc("/item", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fmt.Sprintf("version %d", version)))
	})
	mux.HandleFunc("/edit", func(w http.ResponseWriter, r *http.Request) {
		version++
		http.Redirect(w, r, "/item", http.StatusSeeOther)
	})
	mw := newTestCache(t, Config{}).Middleware(mux)

	get(mw, "/item")
	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, httptest.NewRequest("POST", "/edit", nil))
	require.Equal(t, http.StatusSeeOther, rr.Code)

	assert.Equal(t, "version 2", get(mw, "/item").Body.String())
}

func TestCacheOnlySuccess(t *testing.T) {
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("Hello world"))
	})
	req, _ := http.NewRequest("GET", "/", nil)
	mw := newTestCache(t, Config{}).Middleware(handler)

	mw.ServeHTTP(httptest.NewRecorder(), req)
	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, req)

	if handleCount != 2 {
		t.Fatalf("Handler called %d times", handleCount)
	}
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestNoStore(t *testing.T) {
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Header().Set("Cache-Control", "private, max-age=0")
		w.Write([]byte("Hello world"))
	})
	mw := newTestCache(t, Config{}).Middleware(handler)

	get(mw, "/")
	get(mw, "/")

	assert.Equal(t, 2, handleCount)
}

func TestTTL(t *testing.T) {
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("Hello world"))
	})
	mw := newTestCache(t, Config{TTL: 50 * time.Millisecond}).Middleware(handler)

	get(mw, "/")
	get(mw, "/")
	assert.Equal(t, 1, handleCount)

	time.Sleep(100 * time.Millisecond)
	get(mw, "/")
	assert.Equal(t, 2, handleCount)
}

// TestUpdateDelay tests that the `delay` directive works as expected.
// The page is invalidated only once the delay has passed.
func TestUpdateDelay(t *testing.T) {
	response := "Hello world"
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(response))
	})
	mux.HandleFunc("/update", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			w.Header().Add("cache-update", "/; delay=1")
			w.Write([]byte("done"))
		} else {
			http.Error(w, "nothing to do on get", http.StatusMethodNotAllowed)
		}
	})
	mw := newTestCache(t, Config{}).Middleware(mux)
	post, _ := http.NewRequest("POST", "/update", nil)

	get(mw, "/")
	mw.ServeHTTP(httptest.NewRecorder(), post)
	response = "Hello world 2"

	if body := get(mw, "/").Body.String(); body != "Hello world" {
		t.Fatalf("body before delay is %s", body)
	}
	time.Sleep(1200 * time.Millisecond)
	if body := get(mw, "/").Body.String(); body != "Hello world 2" {
		t.Fatalf("body after delay is %s", body)
	}
}

func TestChiMiddleware(t *testing.T) {
	listLength := 0
	r := chi.NewRouter()
	r.Get("/chi", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fmt.Sprintf("List %d items", listLength)))
	})
	r.Get("/chi-list", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fmt.Sprintf("List %d items", listLength)))
	})
	r.Post("/chi", func(w http.ResponseWriter, r *http.Request) {
		listLength++
		w.Header().Add("cache-update", "/chi-list")
		w.Write([]byte("post"))
	})
	handler := newTestCache(t, Config{}).Middleware(r)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/chi", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/chi-list", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/chi", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/chi", nil))
	rec := get(handler, "/chi-list")

	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("Status code is %d", rec.Result().StatusCode)
	}
	if rec.Body.String() != "List 1 items" {
		t.Fatalf("body is %s", rec.Body.String())
	}
}

func TestScenarioStaticTextSurvivesUninvalidatedChange(t *testing.T) {
	db := map[string]string{"title": "Hello", "content": "first post"}
	renderer := render.New(regions.DefaultMarkers, nil)
	c := newTestCache(t, Config{
		Renderer: renderer,
		NewContext: func(r *http.Request) *core.RenderContext {
			rc := core.NewRenderContext(r)
			for k, v := range db {
				rc.Set(k, v)
			}
			return rc
		},
	})
	mw := c.Middleware(templateHandler(renderer, static("<h1>{{title}}</h1> {{content}}")))

	assert.Equal(t, "<h1>Hello</h1> first post", get(mw, "/post").Body.String())

	db["content"] = "edited behind the cache's back"
	assert.Equal(t, "<h1>Hello</h1> first post", get(mw, "/post").Body.String())
}

func TestScenarioCounter(t *testing.T) {
	renderer := counterRenderer()
	c := newTestCache(t, Config{Renderer: renderer})
	mw := c.Middleware(templateHandler(renderer, static("{{counter}} [[nocache]]{{counter}}[[/nocache]]")))

	assert.Equal(t, "1 2", get(mw, "/").Body.String())
	assert.Equal(t, "1 3", get(mw, "/").Body.String())
	assert.Equal(t, "1 4", get(mw, "/").Body.String())
}

func TestScenarioNestedCounter(t *testing.T) {
	renderer := counterRenderer()
	c := newTestCache(t, Config{Renderer: renderer})
	source := "{{counter}},[[nocache]]{{counter}},[[nocache]]{{counter}}[[/nocache]][[/nocache]]"
	mw := c.Middleware(templateHandler(renderer, static(source)))

	assert.Equal(t, "1,2,3", get(mw, "/").Body.String())
	assert.Equal(t, "1,4,5", get(mw, "/").Body.String())
}

func TestWriteReadDivergence(t *testing.T) {
	reg, err := replacer.NewRegistry(replacer.Named{Name: "marker", Replacer: replacer.Funcs{
		Write: func(served, stored *replacer.Response) error {
			served.Body += " initial"
			stored.Body += " subsequent"
			return nil
		},
	}})
	require.NoError(t, err)
	renderer := counterRenderer()
	c := newTestCache(t, Config{Renderer: renderer, Registry: reg, Replacers: []string{"marker"}})
	mw := c.Middleware(templateHandler(renderer, static("page [[nocache]]{{counter}}[[/nocache]]")))

	assert.Equal(t, "page 1 initial", get(mw, "/").Body.String())
	assert.Equal(t, "page 2 subsequent", get(mw, "/").Body.String())
	assert.Equal(t, "page 3 subsequent", get(mw, "/").Body.String())
}

func TestReadReplacersRunOnFreshCopies(t *testing.T) {
	reg := replacer.Builtin(replacer.Options{})
	renderer := render.New(regions.DefaultMarkers, nil)
	store := cache.NewMemStore()
	c := newTestCache(t, Config{Renderer: renderer, Store: store, Registry: reg, Replacers: []string{replacer.NameCSRF}})
	mw := c.Middleware(templateHandler(renderer, static(`<form><input value="{{.Request.Header.Get "X-Token"}}"></form>`)))
	hit := func(token string) string {
		req := httptest.NewRequest("GET", "/form", nil)
		req.AddCookie(&http.Cookie{Name: replacer.DefaultCSRFCookie, Value: token})
		req.Header.Set("X-Token", token)
		rec := httptest.NewRecorder()
		mw.ServeHTTP(rec, req)
		return rec.Body.String()
	}

	assert.Equal(t, `<form><input value="alice-0123456789ab"></form>`, hit("alice-0123456789ab"))
	assert.Equal(t, `<form><input value="bob-0123456789abcd"></form>`, hit("bob-0123456789abcd"))
	assert.Equal(t, `<form><input value="carol-0123456789ab"></form>`, hit("carol-0123456789ab"))

	entry, ok, err := store.Get(context.Background(), c.keyer.Key(httptest.NewRequest("GET", "/form", nil)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{replacer.NameCSRF}, entry.Replacers)
	assert.NotContains(t, entry.Skeleton, "alice")
}

func TestShortCSRFCookieCannotRewriteSharedPage(t *testing.T) {
	renderer := render.New(regions.DefaultMarkers, nil)
	c := newTestCache(t, Config{Renderer: renderer, Registry: replacer.Builtin(replacer.Options{}), Replacers: []string{replacer.NameCSRF}})
	mw := c.Middleware(templateHandler(renderer, static(`<p>Welcome to the shop</p><input value="{{.Request.Header.Get "X-Token"}}">`)))
	hit := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/shop", nil)
		req.AddCookie(&http.Cookie{Name: replacer.DefaultCSRFCookie, Value: token})
		req.Header.Set("X-Token", token)
		rec := httptest.NewRecorder()
		mw.ServeHTTP(rec, req)
		return rec
	}

	first := hit("o")
	assert.Equal(t, `<p>Welcome to the shop</p><input value="o">`, first.Body.String())

	second := hit("VICTIMTOKEN-0123456789")
	assert.Equal(t, "HalfCache; hit", second.Header().Get("Cache-Status"))
	assert.Equal(t, `<p>Welcome to the shop</p><input value="o">`, second.Body.String())
}

func TestReplacerFailure(t *testing.T) {
	boom := errors.New("boom")
	failWrite := true
	reg, err := replacer.NewRegistry(replacer.Named{Name: "flaky", Replacer: replacer.Funcs{
		Write: func(*replacer.Response, *replacer.Response) error {
			if failWrite {
				return boom
			}
			return nil
		},
		Read: func(*replacer.Response) error { return boom },
	}})
	require.NoError(t, err)
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("secret partial"))
	})
	mw := newTestCache(t, Config{Registry: reg, Replacers: []string{"flaky"}}).Middleware(handler)

	rec := get(mw, "/")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret partial")

	// nothing was stored
	failWrite = false
	assert.Equal(t, "secret partial", get(mw, "/").Body.String())
	assert.Equal(t, 2, handleCount)

	// the read pass fails on the hit
	rec = get(mw, "/")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret partial")
}

func TestMalformedDocumentServedUncached(t *testing.T) {
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("a [[nocache]]b [[/nocache]][[/nocache]] c"))
	})
	mw := newTestCache(t, Config{}).Middleware(handler)

	rec := get(mw, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a b  c", rec.Body.String())
	assert.Equal(t, "HalfCache; fwd=bypass; detail=malformed", rec.Header().Get("Cache-Status"))

	get(mw, "/")
	assert.Equal(t, 2, handleCount)
}

func TestTokenCollisionServedUncached(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("echo " + regions.NewToken()))
	})
	mw := newTestCache(t, Config{}).Middleware(handler)

	rec := get(mw, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Status"), "detail=malformed")
}

func TestCorruptEntryIsRerendered(t *testing.T) {
	store := cache.NewMemStore()
	renderer := counterRenderer()
	c := newTestCache(t, Config{Store: store, Renderer: renderer})
	mw := c.Middleware(templateHandler(renderer, static("{{counter}} [[nocache]]{{counter}}[[/nocache]]")))
	ctx := context.Background()

	require.Equal(t, "1 2", get(mw, "/").Body.String())

	key := c.keyer.Key(httptest.NewRequest("GET", "/", nil))
	entry, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	entry.Skeleton = strings.Replace(entry.Skeleton, entry.Regions[0].ID, "", 1)
	entry.Seal()
	require.NoError(t, store.Put(ctx, entry))

	rec := get(mw, "/")
	assert.Equal(t, "3 4", rec.Body.String())
	assert.Equal(t, "HalfCache; fwd=miss; stored; detail=corrupt", rec.Header().Get("Cache-Status"))
	assert.Equal(t, "3 5", get(mw, "/").Body.String())
}

func TestEntryWithUnavailableReplacersIsRerendered(t *testing.T) {
	store := cache.NewMemStore()
	reg, err := replacer.NewRegistry(replacer.Named{Name: "gone", Replacer: replacer.Funcs{}})
	require.NoError(t, err)
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("page"))
	})

	get(newTestCache(t, Config{Store: store, Registry: reg, Replacers: []string{"gone"}}).Middleware(handler), "/")
	rec := get(newTestCache(t, Config{Store: store}).Middleware(handler), "/")

	assert.Equal(t, 2, handleCount)
	assert.Equal(t, "HalfCache; fwd=stale; stored; detail=replacers-changed", rec.Header().Get("Cache-Status"))
}

func TestStrategyNone(t *testing.T) {
	store := cache.NewMemStore()
	renderer := counterRenderer()
	c := newTestCache(t, Config{Store: store, Renderer: renderer, Strategy: StrategyNone})
	mw := c.Middleware(templateHandler(renderer, static("{{counter}} [[nocache]]{{counter}}[[/nocache]]")))

	assert.Equal(t, "1 2", get(mw, "/").Body.String())
	rec := get(mw, "/")
	assert.Equal(t, "3 4", rec.Body.String())
	assert.Equal(t, "HalfCache; fwd=bypass; detail=strategy-none", rec.Header().Get("Cache-Status"))

	count := 0
	require.NoError(t, store.Keys(context.Background(), "", func(string) { count++ }))
	assert.Zero(t, count)
}

func TestStrategyFullIsRejected(t *testing.T) {
	_, err := New(Config{Strategy: StrategyFull, Renderer: render.New(regions.Markers{}, nil)})
	assert.ErrorIs(t, err, ErrUnsupportedStrategy)

	_, err = New(Config{Strategy: "weird", Renderer: render.New(regions.Markers{}, nil)})
	assert.ErrorIs(t, err, ErrUnsupportedStrategy)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Renderer: render.New(regions.Markers{}, nil), Replacers: []string{"missing"}})
	assert.ErrorIs(t, err, replacer.ErrUnknownReplacer)

	_, err = New(Config{Renderer: render.New(regions.Markers{}, nil), Markers: regions.Markers{Open: "<<", Close: "<<x"}})
	assert.Error(t, err)
}

func TestEveryResponseGetsItsOwnRenderContext(t *testing.T) {
	var ids []uint64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[[nocache]]x[[/nocache]]"))
	})
	c := newTestCache(t, Config{
		NewContext: func(r *http.Request) *core.RenderContext {
			rc := core.NewRenderContext(r)
			ids = append(ids, rc.ID())
			return rc
		},
	})
	mw := c.Middleware(handler)

	get(mw, "/")
	get(mw, "/")
	get(mw, "/")

	require.Len(t, ids, 3)
	assert.NotEqual(t, ids[0], ids[1])
	assert.NotEqual(t, ids[1], ids[2])
}

func TestReusedRenderContextFails(t *testing.T) {
	shared := core.NewRenderContext(nil)
	c := newTestCache(t, Config{
		NewContext: func(*http.Request) *core.RenderContext { return shared },
	})
	mw := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("page"))
	}))

	assert.Equal(t, http.StatusOK, get(mw, "/").Code)
	assert.Equal(t, http.StatusInternalServerError, get(mw, "/").Code)
}

type failingStore struct {
	cache.MemStore
}

func (failingStore) Get(context.Context, string) (cache.CacheEntry, bool, error) {
	return cache.CacheEntry{}, false, errors.New("store down")
}

func TestStoreReadErrorIsAMiss(t *testing.T) {
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("page"))
	})
	mw := newTestCache(t, Config{Store: failingStore{cache.NewMemStore()}}).Middleware(handler)

	get(mw, "/")
	rec := get(mw, "/")

	assert.Equal(t, "page", rec.Body.String())
	assert.Equal(t, 2, handleCount)
	assert.Equal(t, "HalfCache; fwd=miss; stored", rec.Header().Get("Cache-Status"))
}

func TestHead(t *testing.T) {
	mw := newTestCache(t, Config{}).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("page"))
	}))
	get(mw, "/")

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, httptest.NewRequest("HEAD", "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "HalfCache; hit", rec.Header().Get("Cache-Status"))
}

func TestInvalidate(t *testing.T) {
	handleCount := 0
	c := newTestCache(t, Config{})
	mw := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("page"))
	}))
	ctx := context.Background()

	get(mw, "/a")
	get(mw, "/a?page=2")
	get(mw, "/b")
	require.Equal(t, 3, handleCount)

	require.NoError(t, c.InvalidatePath(ctx, "/a"))
	get(mw, "/a")
	get(mw, "/a?page=2")
	get(mw, "/b")
	assert.Equal(t, 5, handleCount)

	require.NoError(t, c.Invalidate(ctx, c.keyer.Key(httptest.NewRequest("GET", "/b", nil))))
	get(mw, "/b")
	assert.Equal(t, 6, handleCount)

	require.NoError(t, c.InvalidateAll(ctx))
	get(mw, "/a")
	get(mw, "/b")
	assert.Equal(t, 8, handleCount)
}

func TestLatin1PageIsServedFromSQLite(t *testing.T) {
	store, err := cache.NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	handleCount := 0
	mw := newTestCache(t, Config{Store: store}).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		io.WriteString(w, "caf\xe9 [[nocache]]x[[/nocache]]")
	}))

	get(mw, "/menu")
	for i := 0; i < 2; i++ {
		rec := get(mw, "/menu")
		assert.Equal(t, "HalfCache; hit", rec.Header().Get("Cache-Status"))
		assert.Equal(t, "caf\xe9 x", rec.Body.String())
	}
	assert.Equal(t, 1, handleCount)
}

func TestInvalidateEscapedPath(t *testing.T) {
	handleCount := 0
	c := newTestCache(t, Config{})
	mw := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("caf\u00e9"))
	}))

	get(mw, "/caf%C3%A9")
	get(mw, "/caf%c3%a9?x=1")
	require.Equal(t, 2, handleCount)
	require.Equal(t, "HalfCache; hit", get(mw, "/caf%C3%A9").Header().Get("Cache-Status"))

	require.NoError(t, c.InvalidatePath(context.Background(), "/caf\u00e9"))
	get(mw, "/caf%C3%A9")
	get(mw, "/caf%c3%a9?x=1")
	assert.Equal(t, 4, handleCount)

	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/caf%C3%A9", nil))
	assert.Equal(t, 5, handleCount)
	rec := get(mw, "/caf%C3%A9")
	assert.Equal(t, 6, handleCount)
	assert.Equal(t, "HalfCache; fwd=uri-miss; stored", rec.Header().Get("Cache-Status"))
}

func TestEscapedPrefix(t *testing.T) {
	tests := map[string]string{
		"/":              "/",
		"/blog/post-1":   "/blog/post-1",
		"/caf\u00e9":     "/caf",
		"/a b/c":         "/a",
		"/what!/is/this": "/what",
	}
	for path, want := range tests {
		if got := escapedPrefix(path); got != want {
			t.Errorf("escapedPrefix(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestLogsGoToConfiguredLogger(t *testing.T) {
	var global, configured bytes.Buffer
	defer func(l zerolog.Logger) { log.Logger = l }(log.Logger)
	log.Logger = zerolog.New(&global)
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())
	zerolog.SetGlobalLevel(zerolog.TraceLevel)

	logger := zerolog.New(&configured).Level(zerolog.TraceLevel)
	c, err := New(Config{
		Renderer:  render.New(regions.DefaultMarkers, nil),
		Registry:  replacer.Builtin(replacer.Options{}),
		Replacers: []string{replacer.NameAge},
		Logger:    &logger,
	})
	require.NoError(t, err)
	mw := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "page")
	}))

	get(mw, "/")
	get(mw, "/")

	assert.Empty(t, global.String())
	assert.Contains(t, configured.String(), "Applying write replacer")
	assert.Contains(t, configured.String(), "Applying read replacer")
	assert.Contains(t, configured.String(), "Cache write")
}

func TestParseCacheControl(t *testing.T) {
	cc := ParseCacheControl(`max-age=60, No-Store,private="set-cookie"`)

	val, ok := cc.Get("max-age")
	assert.True(t, ok)
	assert.Equal(t, "60", val)
	assert.True(t, cc.Has("no-store"))
	val, _ = cc.Get("private")
	assert.Equal(t, "set-cookie", val)
	assert.False(t, cc.Has("public"))
}
