package core

import "time"

// IndexedDocument is the search-ready document produced by the page
// transformer (C3) and upserted into the corpus's search index.
type IndexedDocument struct {
	CrawlDate           time.Time
	IndexDate           time.Time
	WEUpdateDate        *time.Time
	TrafilaturaDate     *string
	ID                  string
	URL                 string
	LRU                 string
	WebentityID         string
	Title               *string
	TrafilaturaAuthor   *string
	TrafilaturaComments *string
	Encoding            string
	Extracted           map[string]*string // one entry per enabled extractor, keyed by extractor name
	Prefixes            []string
	HTTPStatus          int
}

// RejectKind classifies why a page could not be transformed into an
// IndexedDocument, so callers can branch on the kind without parsing the
// formatted store message.
type RejectKind string

const (
	RejectExtractor          RejectKind = "extractor"
	RejectEncodingValidation RejectKind = "encoding-validation"
)

// RejectError explains why Transform rejected a page. Error() renders the
// "<kind>: <detail>" format persisted as TextIndexationError.
type RejectError struct {
	Kind   RejectKind
	Detail string
}

func (e *RejectError) Error() string {
	return string(e.Kind) + ": " + e.Detail
}
