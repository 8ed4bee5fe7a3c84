// Package transform implements the page transformer (C3): a pure function
// turning a document-store page record into a search-ready document, or a
// reject reason, per spec §4.3.
package transform

import (
	"bytes"
	"io"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/ksysoev/hyphe-text-indexer/pkg/core"
	"github.com/ksysoev/hyphe-text-indexer/pkg/extract"
)

// utf8ReplaceEncoding is the fallback encoding label persisted when the
// page's declared encoding fails to decode (P7 / spec §4.3 step 3).
const utf8ReplaceEncoding = "UTF8-replace"

// Transform applies steps 1-7 of spec §4.3 to page, using registry to run
// the corpus's configured extraction methods. now is injected so tests can
// assert on IndexDate deterministically.
//
// The returned error is distinct from the *core.RejectError: it signals that
// body couldn't even be decompressed, which per spec §7 point 4 and the
// original indexer (zlib.decompress sits inside the outer try that reverts
// the whole batch, not the inner per-page try around .decode) is a
// batch-fatal condition, not a single-page reject. Callers must revert the
// entire batch on a non-nil error and must not also inspect the
// *core.RejectError in that case.
func Transform(registry *extract.Registry, page core.Page, extractionMethods []string, now time.Time) (*core.IndexedDocument, *core.RejectError, error) {
	html, encoding, err := decodeBody(page.Body, page.Encoding)
	if err != nil {
		return nil, nil, err
	}

	doc := &core.IndexedDocument{
		ID:          core.DocID(page.URL),
		URL:         page.URL,
		LRU:         page.LRU,
		Prefixes:    core.Prefixes(page.LRU),
		HTTPStatus:  page.Status,
		CrawlDate:   page.Timestamp,
		WebentityID: page.WebentityWhenCrawled,
		Encoding:    encoding,
		IndexDate:   now,
		Extracted:   map[string]*string{},
	}

	doc.Title = parseTitle(html)

	results := registry.Run(extractionMethods, html, encoding)
	for _, name := range extractionMethods {
		res, ok := results[name]
		if !ok {
			continue
		}

		doc.Extracted[name] = res.Text

		if name == "trafilatura" {
			if res.Title != nil && *res.Title != "" {
				doc.Title = res.Title
			}

			doc.TrafilaturaDate = res.Date
			doc.TrafilaturaAuthor = res.Author
			doc.TrafilaturaComments = res.Comments
		}
	}

	if err := validateUTF8(doc); err != nil {
		return nil, err, nil
	}

	return doc, nil, nil
}

// decodeBody decompresses a zlib-compressed HTML body and decodes it using
// the declared encoding, falling back to UTF-8-with-replacement on any
// decoding failure per spec §4.3 step 3 / property P7. The only error it can
// return is a decompression failure: tryDecode's fallback to UTF-8-replace
// always succeeds, so a bad declared encoding never reaches this return.
func decodeBody(body []byte, declaredEncoding string) (html, encoding string, err error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return "", "", err
	}

	if decoded, ok := tryDecode(raw, declaredEncoding); ok {
		return decoded, declaredEncoding, nil
	}

	replaced, _, _ := transformBytes(unicode.UTF8.NewDecoder(), raw)

	return replaced, utf8ReplaceEncoding, nil
}

func tryDecode(raw []byte, encodingName string) (string, bool) {
	if encodingName == "" {
		return "", false
	}

	enc, err := htmlindex.Get(encodingName)
	if err != nil {
		return "", false
	}

	decoded, _, err := transformBytes(enc.NewDecoder(), raw)
	if err != nil {
		return "", false
	}

	if !utf8.ValidString(decoded) {
		return "", false
	}

	return decoded, true
}

type byteTransformer interface {
	Bytes(b []byte) ([]byte, int, error)
}

func transformBytes(d byteTransformer, raw []byte) (string, int, error) {
	out, n, err := d.Bytes(raw)
	return string(out), n, err
}

// parseTitle returns the first <title> text, or nil on parse failure /
// absence (spec §4.3 step 4).
func parseTitle(html string) *string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(html)))
	if err != nil {
		return nil
	}

	title := doc.Find("title").First().Text()
	if title == "" {
		return nil
	}

	return &title
}

// validateUTF8 checks every string-valued field is valid, surrogate-free
// UTF-8, rejecting the page with the offending field name on failure
// (spec §4.3 step 7).
func validateUTF8(doc *core.IndexedDocument) *core.RejectError {
	check := func(field, value string) *core.RejectError {
		if !utf8.ValidString(value) {
			return &core.RejectError{Kind: core.RejectEncodingValidation, Detail: field + " contains invalid UTF-8"}
		}

		return nil
	}

	if err := check("url", doc.URL); err != nil {
		return err
	}

	if err := check("lru", doc.LRU); err != nil {
		return err
	}

	for field, value := range map[string]*string{
		"webentity_id":        &doc.WebentityID,
		"encoding":            &doc.Encoding,
		"trafilaturaDate":     doc.TrafilaturaDate,
		"trafilaturaAuthor":   doc.TrafilaturaAuthor,
		"trafilaturaComments": doc.TrafilaturaComments,
	} {
		if value == nil {
			continue
		}

		if err := check(field, *value); err != nil {
			return err
		}
	}

	if doc.Title != nil {
		if err := check("title", *doc.Title); err != nil {
			return err
		}
	}

	for name, text := range doc.Extracted {
		if text == nil {
			continue
		}

		if err := check(name, *text); err != nil {
			return err
		}
	}

	return nil
}
