// Package extract implements the extractor registry (spec §4.2): named
// strategies that turn decoded HTML into readable text plus optional
// metadata, dispatched by the page transformer for each corpus's configured
// extraction methods.
package extract

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Result is what a single extractor returns for a page. Date, Author, and
// Comments are only ever populated by the trafilatura extractor.
type Result struct {
	Text     *string
	Title    *string
	Date     *string
	Author   *string
	Comments *string
}

// Extractor converts decoded HTML (plus an encoding hint, kept for parity
// with extractors that consult it, e.g. byte-oriented tools) into a Result.
// An Extractor must never panic; Registry.Run recovers defensively anyway.
type Extractor func(html, encoding string) Result

// Registry dispatches a named extractor over an HTML document.
type Registry struct {
	extractors map[string]Extractor
}

// NewRegistry builds the registry with the three known extractors.
func NewRegistry() *Registry {
	return &Registry{
		extractors: map[string]Extractor{
			"textify":     Textify,
			"dragnet":     Dragnet,
			"trafilatura": Trafilatura,
		},
	}
}

// Run dispatches each of the given extractor names over html, returning a
// map of name -> Result. An unknown extractor name or a panicking extractor
// yields a zero Result for that name rather than failing the page, per
// spec §4.2: "An extractor failure is caught and yields null fields for
// that extractor without failing the page."
func (r *Registry) Run(names []string, html, encoding string) map[string]Result {
	out := make(map[string]Result, len(names))

	for _, name := range names {
		out[name] = r.runOne(name, html, encoding)
	}

	return out
}

func (r *Registry) runOne(name, html, encoding string) (result Result) {
	fn, ok := r.extractors[name]
	if !ok {
		slog.Warn("extract: unknown extractor requested", "name", name)
		return Result{}
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("extract: extractor panicked, page still indexed", "name", name, "recover", fmt.Sprint(rec))
			result = Result{}
		}
	}()

	return fn(html, encoding)
}

var whitespaceRE = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(s, " "))
}

// parseDocument parses html with goquery, returning nil on malformed input
// rather than erroring — callers treat a nil document as "no text found".
func parseDocument(html string) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	return doc
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
