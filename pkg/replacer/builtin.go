package replacer

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Names of the built-in replacers.
const (
	NameCSRF          = "csrf"
	NameHeaders       = "headers"
	NameRewriteOrigin = "rewrite-origin"
	NameAge           = "age"
)

const (
	DefaultCSRFCookie      = "csrf_token"
	DefaultCSRFPlaceholder = "<!--halfcache:csrf-->"
	// MinCSRFTokenLength is the shortest value accepted as a CSRF token.
	MinCSRFTokenLength = 16
)

// CSRF keeps per-user CSRF tokens out of stored pages.
// The stored copy has the token of the first request swapped for a placeholder,
// and every read swaps the placeholder for the token of the current request.
//
// The token comes from the client, so only whole quoted attribute values
// equal to it are replaced, and tokens that are short or contain characters
// outside the base64 alphabets are ignored.
type CSRF struct {
	// Cookie holding the token, DefaultCSRFCookie if empty.
	Cookie      string
	Placeholder string
	// Token overrides how the token of a request is found.
	Token func(r *http.Request) string
}

func (c CSRF) token(r *http.Request) string {
	if r == nil {
		return ""
	}
	var token string
	if c.Token != nil {
		token = c.Token(r)
	} else {
		name := c.Cookie
		if name == "" {
			name = DefaultCSRFCookie
		}
		cookie, err := r.Cookie(name)
		if err != nil {
			return ""
		}
		token = cookie.Value
	}
	if !validCSRFToken(token) {
		return ""
	}
	return token
}

func validCSRFToken(token string) bool {
	if len(token) < MinCSRFTokenLength {
		return false
	}
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '+', r == '/', r == '=', r == '.':
		default:
			return false
		}
	}
	return true
}

func (c CSRF) placeholder() string {
	if c.Placeholder == "" {
		return DefaultCSRFPlaceholder
	}
	return c.Placeholder
}

func (c CSRF) OnCacheWrite(served, stored *Response) error {
	token := c.token(served.Request)
	if token == "" {
		return nil
	}
	placeholder := c.placeholder()
	stored.Body = strings.NewReplacer(
		`"`+token+`"`, `"`+placeholder+`"`,
		`'`+token+`'`, `'`+placeholder+`'`,
	).Replace(stored.Body)
	return nil
}

func (c CSRF) OnCacheRead(res *Response) error {
	res.Body = strings.ReplaceAll(res.Body, c.placeholder(), c.token(res.Request))
	return nil
}

// RewriteOrigin replaces the origin URL with the public URL in text bodies.
type RewriteOrigin struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

func (o RewriteOrigin) OnCacheWrite(served, stored *Response) error {
	if o.From == "" || !isText(served.Header) {
		return nil
	}
	served.Body = strings.ReplaceAll(served.Body, o.From, o.To)
	stored.Body = strings.ReplaceAll(stored.Body, o.From, o.To)
	return nil
}

func (o RewriteOrigin) OnCacheRead(*Response) error {
	return nil
}

func isText(header http.Header) bool {
	ct := header.Get("Content-Type")
	return ct == "" || strings.HasPrefix(ct, "text/") || strings.Contains(ct, "json") || strings.Contains(ct, "xml")
}

// Age sets the Age header: zero on the first response, the entry age on hits.
type Age struct {
	Now func() time.Time
}

func (a Age) OnCacheWrite(served, stored *Response) error {
	served.Header.Set("Age", "0")
	stored.Header.Del("Age")
	return nil
}

func (a Age) OnCacheRead(res *Response) error {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	age := now().Sub(res.CreatedAt)
	if age < 0 || res.CreatedAt.IsZero() {
		age = 0
	}
	res.Header.Set("Age", strconv.Itoa(int(age.Seconds())))
	return nil
}

// Options configures the built-in replacers.
type Options struct {
	CSRFCookie string        `yaml:"csrfCookie"`
	Rules      Rules         `yaml:"rules"`
	Rewrite    RewriteOrigin `yaml:"rewrite"`
}

// Builtin returns a registry holding every built-in replacer.
func Builtin(opts Options) *Registry {
	r, err := NewRegistry(
		Named{NameCSRF, CSRF{Cookie: opts.CSRFCookie}},
		Named{NameHeaders, opts.Rules},
		Named{NameRewriteOrigin, opts.Rewrite},
		Named{NameAge, Age{}},
	)
	if err != nil {
		panic(err)
	}
	return r
}
