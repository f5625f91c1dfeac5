// Package regions finds dynamic (nocache) regions in rendered documents and
// replaces them with placeholder tokens.
package regions

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrMalformedMarkerSequence is returned when open and close markers are not balanced.
	ErrMalformedMarkerSequence = errors.New("malformed marker sequence")
	// ErrTokenCollision is returned when the document already contains placeholder-shaped text.
	ErrTokenCollision = errors.New("document contains placeholder token")
)

const (
	tokenPrefix = "<!--halfcache:"
	tokenSuffix = "-->"
)

// tokenPattern matches every string NewToken can produce.
var tokenPattern = regexp.MustCompile(`<!--halfcache:[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}-->`)

// Markers is the literal open/close pair delimiting a dynamic region in rendered output.
type Markers struct {
	Open  string `yaml:"open"`
	Close string `yaml:"close"`
}

// DefaultMarkers are the markers used when none are configured.
var DefaultMarkers = Markers{Open: "[[nocache]]", Close: "[[/nocache]]"}

// OrDefault returns m, or DefaultMarkers if either marker is empty.
func (m Markers) OrDefault() Markers {
	if m.Open == "" || m.Close == "" {
		return DefaultMarkers
	}
	return m
}

// Validate checks that the markers can be told apart while scanning.
func (m Markers) Validate() error {
	if m.Open == "" || m.Close == "" {
		return errors.New("open and close markers must both be set")
	}
	if strings.HasPrefix(m.Close, m.Open) || strings.HasPrefix(m.Open, m.Close) {
		return fmt.Errorf("markers %q and %q overlap", m.Open, m.Close)
	}
	return nil
}

// Strip removes every marker literal from s, keeping the content between them.
func (m Markers) Strip(s string) string {
	m = m.OrDefault()
	return strings.ReplaceAll(strings.ReplaceAll(s, m.Open, ""), m.Close, "")
}

// DynamicRegion is one top-level marked region of a rendered document.
type DynamicRegion struct {
	// Placeholder token standing in for the region in the skeleton.
	ID string `json:"id"`
	// Verbatim content between the open and close markers.
	// Nested markers are kept as literal text.
	Source string `json:"source"`
	// Deepest marker nesting seen inside the region, 1 if nothing is nested.
	Depth int `json:"depth"`
}

// NewToken returns a fresh placeholder token.
func NewToken() string {
	return tokenPrefix + uuid.NewString() + tokenSuffix
}

// IsToken reports whether s has the exact shape of a placeholder token.
func IsToken(s string) bool {
	loc := tokenPattern.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

// FindTokens returns the [start, end) offsets of every placeholder token in s, in order.
func FindTokens(s string) [][]int {
	return tokenPattern.FindAllStringIndex(s, -1)
}

// Extract splits a rendered-with-markers document into a skeleton and its dynamic regions.
// Every top-level open...close span is replaced by a unique token; nested pairs are only
// counted so the matching close marker is found, never extracted on their own.
// A document without markers is returned unchanged with no regions.
func Extract(doc string, m Markers) (string, []DynamicRegion, error) {
	m = m.OrDefault()
	if tokenPattern.MatchString(doc) {
		return "", nil, ErrTokenCollision
	}

	var (
		skeleton strings.Builder
		regs     []DynamicRegion
		depth    int
		maxDepth int
		// start of the span currently being captured (at its open marker)
		spanStart int
		// start of the captured inner source
		innerStart int
		// start of static text not yet copied to the skeleton
		pending int
		used    = map[string]struct{}{}
	)
	skeleton.Grow(len(doc))

	for i := 0; i < len(doc); {
		switch {
		case strings.HasPrefix(doc[i:], m.Open):
			if depth == 0 {
				spanStart = i
				innerStart = i + len(m.Open)
				maxDepth = 0
			}
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
			i += len(m.Open)
		case strings.HasPrefix(doc[i:], m.Close):
			if depth == 0 {
				return "", nil, fmt.Errorf("%w: close marker without open marker at offset %d", ErrMalformedMarkerSequence, i)
			}
			depth--
			if depth == 0 {
				token := mintToken(doc, used)
				skeleton.WriteString(doc[pending:spanStart])
				skeleton.WriteString(token)
				regs = append(regs, DynamicRegion{
					ID:     token,
					Source: doc[innerStart:i],
					Depth:  maxDepth,
				})
				pending = i + len(m.Close)
			}
			i += len(m.Close)
		default:
			i++
		}
	}
	if depth != 0 {
		return "", nil, fmt.Errorf("%w: open marker at offset %d is never closed", ErrMalformedMarkerSequence, spanStart)
	}
	if len(regs) == 0 {
		return doc, nil, nil
	}
	skeleton.WriteString(doc[pending:])
	return skeleton.String(), regs, nil
}

// mintToken returns a token not yet used in this extraction and absent from doc.
func mintToken(doc string, used map[string]struct{}) string {
	for {
		token := NewToken()
		if _, dup := used[token]; dup || strings.Contains(doc, token) {
			continue
		}
		used[token] = struct{}{}
		return token
	}
}
