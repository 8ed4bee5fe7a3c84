package core

import (
	"crypto/md5" //nolint:gosec // md5 is the wire-format identity digest the store and index agree on, not used for security
	"encoding/hex"
	"strings"
	"time"
)

// PageStatus is the text-indexation state machine value stored on a page.
type PageStatus string

const (
	// StatusToIndex marks a page eligible for batch formation.
	StatusToIndex PageStatus = "TO_INDEX"
	// StatusIndexed is the terminal success state.
	StatusIndexed PageStatus = "INDEXED"
	// StatusError is the terminal failure state; TextIndexationError is set alongside it.
	StatusError PageStatus = "ERROR"
	// StatusDontIndex is the terminal state for pages the crawler marks as not to be indexed.
	StatusDontIndex PageStatus = "DONT_INDEX"
	// inBatchPrefix prefixes a batch uuid to form the non-terminal lease status.
	inBatchPrefix = "IN_BATCH_"
)

// InBatchStatus returns the lease status for a given batch uuid.
func InBatchStatus(batchUUID string) PageStatus {
	return PageStatus(inBatchPrefix + batchUUID)
}

// BatchUUID returns the batch uuid a status is leased to, and whether the
// status is in fact a lease status.
func (s PageStatus) BatchUUID() (string, bool) {
	str := string(s)
	if !strings.HasPrefix(str, inBatchPrefix) {
		return "", false
	}

	return strings.TrimPrefix(str, inBatchPrefix), true
}

// IsTerminal reports whether a status is one of the state machine's terminal
// values (INDEXED, ERROR, DONT_INDEX).
func (s PageStatus) IsTerminal() bool {
	return s == StatusIndexed || s == StatusError || s == StatusDontIndex
}

// Page is a crawled HTML page record from the document store.
type Page struct {
	Timestamp            time.Time
	URL                  string
	LRU                  string
	Encoding             string
	TextIndexationError  string
	JobID                string
	WebentityWhenCrawled string
	Body                 []byte
	Status               int
	TextIndexationStatus PageStatus
	Forgotten            bool
}

// CrawlingStatus is the lifecycle value of a crawl job.
type CrawlingStatus string

const (
	CrawlingRunning  CrawlingStatus = "RUNNING"
	CrawlingFinished CrawlingStatus = "FINISHED"
	CrawlingCanceled CrawlingStatus = "CANCELED"
	CrawlingRetried  CrawlingStatus = "RETRIED"
)

// CompletedCrawlingStatuses are the statuses that make a job eligible for the
// job-completion sweep (spec §4.6 step 5).
var CompletedCrawlingStatuses = []CrawlingStatus{CrawlingFinished, CrawlingCanceled, CrawlingRetried}

// CrawlJob is a per-corpus crawl job record.
type CrawlJob struct {
	ScheduledAt    time.Time
	CrawljobID     string
	WebentityID    string
	CrawlingStatus CrawlingStatus
	TextIndexed    bool
}

// WEIndexStatus is the processing state of a web-entity update event.
type WEIndexStatus string

const (
	WEPending  WEIndexStatus = "PENDING"
	WEFinished WEIndexStatus = "FINISHED"
)

// WEUpdate is a pending web-entity reclassification event.
type WEUpdate struct {
	Timestamp    time.Time
	ID           string
	OldWebentity string
	NewWebentity string
	Prefixes     []string
	IndexStatus  WEIndexStatus
}

// DocID computes the idempotency key of an indexed document from its page
// URL: md5hex(utf8(url)) — invariant 1 / property P1.
func DocID(url string) string {
	sum := md5.Sum([]byte(url)) //nolint:gosec // see DocID doc comment
	return hex.EncodeToString(sum[:])
}

// Prefixes derives the set of stem prefixes of an lru per invariant 5:
// { "|".join(stems[0..i])+"|" : 0 <= i < len(stems) }.
func Prefixes(lru string) []string {
	trimmed := strings.TrimRight(lru, "|")
	if trimmed == "" {
		return nil
	}

	stems := strings.Split(trimmed, "|")
	prefixes := make([]string, len(stems))

	for i := range stems {
		prefixes[i] = strings.Join(stems[:i+1], "|") + "|"
	}

	return prefixes
}

// BatchUUID computes the lease identifier for a batch from its ordered page ids.
func BatchUUID(ids []string) string {
	sum := md5.Sum([]byte(strings.Join(ids, "|"))) //nolint:gosec // see DocID doc comment
	return hex.EncodeToString(sum[:])
}
