package replacer

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

type Rules []Rule

// Rule sets response headers of the pages it matches.
type Rule struct {
	Prefix   string            `yaml:"prefix"`
	Path     string            `yaml:"path"`
	Default  string            `yaml:"default"`
	Override string            `yaml:"override"`
	Query    map[string]string `yaml:"query"`
	Headers  map[string]string `yaml:"headers"`
}

// OnCacheWrite applies the first matching rule to both copies,
// so hits carry the same headers as the first response.
func (r Rules) OnCacheWrite(served, stored *Response) error {
	// only apply rules for successes
	if served.StatusCode != http.StatusOK || served.Request == nil {
		return nil
	}
	log := served.Logger()
	if rule := r.find(log, served.Request); rule != nil {
		applyRule(log, *rule, served.Header)
		applyRule(log, *rule, stored.Header)
	}
	return nil
}

func (r Rules) OnCacheRead(*Response) error {
	return nil
}

func applyRule(log *zerolog.Logger, rule Rule, header http.Header) {
	if rule.Override != "" {
		log.Trace().Msg("Overriding Cache-Control header")
		header.Set("Cache-Control", rule.Override)
	} else if rule.Default != "" && header.Get("Cache-Control") == "" {
		log.Trace().Msg("Applying default Cache-Control header")
		header.Set("Cache-Control", rule.Default)
	}
	for name, value := range rule.Headers {
		log.Trace().Msgf("Setting header %s", name)
		header.Set(name, value)
	}
}

func (r Rules) find(log *zerolog.Logger, req *http.Request) *Rule {
	log.Trace().Msgf("Finding rule for request %s:%s", req.Method, req.URL.Path)
rulesLoop:
	for _, rule := range r {
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			return nil
		}
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := req.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return &rule
	}
	return nil
}
