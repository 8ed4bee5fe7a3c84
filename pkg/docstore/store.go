// Package docstore is the document-store half of the store clients (C1): a
// thin typed wrapper over MongoDB exposing exactly the operations the
// coordinator and workers need against the pages, jobs, WEupdates, and
// corpus collections.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ksysoev/hyphe-text-indexer/pkg/core"
)

// ErrNotFound is returned when a single-document lookup has no match.
var ErrNotFound = errors.New("docstore: not found")

const globalDatabase = "hyphe"

// Store wraps a *mongo.Client with the typed operations spec §4.1 names.
// One logical database per corpus, named hyphe_<corpus>; the global
// "hyphe" database holds the corpus registry.
type Store struct {
	client *mongo.Client
}

// Config is the connection configuration for the document store.
type Config struct {
	Host string
	Port int
}

// Connect dials MongoDB and retries transient connection failures with
// bounded backoff, matching spec §4.1's "retry on transient connection
// failures". It blocks until the server responds to a ping or budget is
// exhausted.
func Connect(ctx context.Context, cfg Config, budget time.Duration) (*Store, error) {
	uri := fmt.Sprintf("mongodb://%s:%d", cfg.Host, cfg.Port)

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("docstore: connect: %w", err)
	}

	deadline := time.Now().Add(budget)
	backoff := time.Second

	for {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx, readpref.Primary())

		cancel()

		if err == nil {
			return &Store{client: client}, nil
		}

		if !isTransient(err) || time.Now().After(deadline) {
			return nil, fmt.Errorf("docstore: unreachable after %s: %w", budget, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		if backoff < 10*time.Second {
			backoff *= 2
		}
	}
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func isTransient(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Labels != nil
	}

	return mongo.IsNetworkError(err) || mongo.IsTimeout(err)
}

func (s *Store) pages(corpus string) *mongo.Collection {
	return s.client.Database(core.IndexName(corpus)).Collection("pages")
}

func (s *Store) jobs(corpus string) *mongo.Collection {
	return s.client.Database(core.IndexName(corpus)).Collection("jobs")
}

func (s *Store) weupdates(corpus string) *mongo.Collection {
	return s.client.Database(core.IndexName(corpus)).Collection("WEupdates")
}

func (s *Store) corpusCollection() *mongo.Collection {
	return s.client.Database(globalDatabase).Collection("corpus")
}

// corpusDoc is the wire shape of a document in the global corpus registry.
type corpusDoc struct {
	ID      string `bson:"_id"`
	Options struct {
		IndexTextContent              bool     `bson:"indexTextContent"`
		TextIndexationExtractionMethods []string `bson:"text_indexation_extraction_methods"`
		TextIndexationDefaultMethod    string   `bson:"text_indexation_default_extraction_method"`
	} `bson:"options"`
}

// Corpora returns every corpus with options.indexTextContent = true
// (spec §4.6 step 1).
func (s *Store) Corpora(ctx context.Context) ([]core.Corpus, error) {
	cur, err := s.corpusCollection().Find(ctx, bson.M{"options.indexTextContent": true})
	if err != nil {
		return nil, fmt.Errorf("docstore: find corpora: %w", err)
	}
	defer cur.Close(ctx)

	var out []core.Corpus

	for cur.Next(ctx) {
		var doc corpusDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("docstore: decode corpus: %w", err)
		}

		out = append(out, core.Corpus{
			ID: doc.ID,
			Options: core.CorpusOptions{
				DefaultExtractionMethod: doc.Options.TextIndexationDefaultMethod,
				ExtractionMethods:       doc.Options.TextIndexationExtractionMethods,
				IndexTextContent:        doc.Options.IndexTextContent,
			},
		})
	}

	return out, cur.Err()
}

// CountPages counts pages matching text_indexation_status = status and
// forgotten = false; the coordinator calls it with TO_INDEX for the
// spec §4.6 step 4 precondition.
func (s *Store) CountPages(ctx context.Context, corpus string, status core.PageStatus) (int64, error) {
	n, err := s.pages(corpus).CountDocuments(ctx, bson.M{
		"text_indexation_status": string(status),
		"forgotten":              false,
	})
	if err != nil {
		return 0, fmt.Errorf("docstore: count pages: %w", err)
	}

	return n, nil
}

// FindPageIDs returns up to limit page _ids with text_indexation_status =
// TO_INDEX and forgotten = false, sorted by timestamp ascending
// (spec §4.6 step 4a).
func (s *Store) FindPageIDs(ctx context.Context, corpus string, limit int64) ([]string, error) {
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "timestamp", Value: 1}}).
		SetLimit(limit)

	cur, err := s.pages(corpus).Find(ctx, bson.M{
		"text_indexation_status": string(core.StatusToIndex),
		"forgotten":              false,
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("docstore: find page ids: %w", err)
	}
	defer cur.Close(ctx)

	var ids []string

	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("docstore: decode page id: %w", err)
		}

		ids = append(ids, doc.ID)
	}

	return ids, cur.Err()
}

// FindBatchPages loads the full page records currently leased to batchUUID
// (spec §4.4 step 1).
func (s *Store) FindBatchPages(ctx context.Context, corpus, batchUUID string) ([]core.Page, error) {
	cur, err := s.pages(corpus).Find(ctx, bson.M{
		"text_indexation_status": string(core.InBatchStatus(batchUUID)),
	})
	if err != nil {
		return nil, fmt.Errorf("docstore: find batch pages: %w", err)
	}
	defer cur.Close(ctx)

	var out []core.Page

	for cur.Next(ctx) {
		var doc pageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("docstore: decode page: %w", err)
		}

		out = append(out, doc.toCore())
	}

	return out, cur.Err()
}

// pageDoc is the wire shape of a page document.
type pageDoc struct {
	ID                   string `bson:"_id"`
	URL                  string `bson:"url"`
	LRU                  string `bson:"lru"`
	Encoding             string `bson:"encoding"`
	TextIndexationError  string `bson:"text_indexation_error"`
	JobID                string `bson:"_job"`
	WebentityWhenCrawled string `bson:"webentity_when_crawled"`
	Body                 []byte `bson:"body"`
	Status               int    `bson:"status"`
	TextIndexationStatus string `bson:"text_indexation_status"`
	Forgotten            bool   `bson:"forgotten"`
	Timestamp            int64  `bson:"timestamp"`
}

func (d pageDoc) toCore() core.Page {
	return core.Page{
		Timestamp:            time.UnixMilli(d.Timestamp).UTC(),
		URL:                  d.URL,
		LRU:                  d.LRU,
		Encoding:             d.Encoding,
		TextIndexationError:  d.TextIndexationError,
		JobID:                d.JobID,
		WebentityWhenCrawled: d.WebentityWhenCrawled,
		Body:                 d.Body,
		Status:               d.Status,
		TextIndexationStatus: core.PageStatus(d.TextIndexationStatus),
		Forgotten:            d.Forgotten,
	}
}

// MarkInBatch sets text_indexation_status = IN_BATCH_<batchUUID> for the
// given page ids (spec §4.6 step 4c, the commit point of the lease).
func (s *Store) MarkInBatch(ctx context.Context, corpus string, ids []string, batchUUID string) error {
	_, err := s.pages(corpus).UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"text_indexation_status": string(core.InBatchStatus(batchUUID))}},
	)
	if err != nil {
		return fmt.Errorf("docstore: mark in batch: %w", err)
	}

	return nil
}

// MarkIndexed sets text_indexation_status = INDEXED for the given page ids.
func (s *Store) MarkIndexed(ctx context.Context, corpus string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.pages(corpus).UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"text_indexation_status": string(core.StatusIndexed)}},
	)
	if err != nil {
		return fmt.Errorf("docstore: mark indexed: %w", err)
	}

	return nil
}

// MarkErrorOne sets a single page's status to ERROR with reason.
func (s *Store) MarkErrorOne(ctx context.Context, corpus, id, reason string) error {
	_, err := s.pages(corpus).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"text_indexation_status": string(core.StatusError),
			"text_indexation_error":  reason,
		}},
	)
	if err != nil {
		return fmt.Errorf("docstore: mark error: %w", err)
	}

	return nil
}

// RevertBatch resets every page still leased to batchUUID back to
// TO_INDEX (spec §4.4 step 5, §5 step 4).
func (s *Store) RevertBatch(ctx context.Context, corpus, batchUUID string) error {
	_, err := s.pages(corpus).UpdateMany(ctx,
		bson.M{"text_indexation_status": string(core.InBatchStatus(batchUUID))},
		bson.M{"$set": bson.M{"text_indexation_status": string(core.StatusToIndex)}},
	)
	if err != nil {
		return fmt.Errorf("docstore: revert batch: %w", err)
	}

	return nil
}

// RevertAllInBatch resets every page with a non-terminal IN_BATCH_* status
// across the whole corpus back to TO_INDEX (spec §5 step 4, on shutdown).
func (s *Store) RevertAllInBatch(ctx context.Context, corpus string) error {
	_, err := s.pages(corpus).UpdateMany(ctx,
		bson.M{"text_indexation_status": bson.M{"$regex": "^IN_BATCH_"}},
		bson.M{"$set": bson.M{"text_indexation_status": string(core.StatusToIndex)}},
	)
	if err != nil {
		return fmt.Errorf("docstore: revert all in-batch pages: %w", err)
	}

	return nil
}

// incompleteJob is the result of AggregateIncompleteJobs.
type incompleteJob struct {
	CrawljobID string `bson:"_id"`
}

// AggregateIncompleteJobs returns the crawljob ids of jobs that are
// crawling-complete but not yet marked text_indexed (spec §4.6 step 5).
// Whether a job still has outstanding pages is checked separately by
// JobHasOutstandingPages.
func (s *Store) AggregateIncompleteJobs(ctx context.Context, corpus string) ([]string, error) {
	statuses := make([]string, len(core.CompletedCrawlingStatuses))
	for i, st := range core.CompletedCrawlingStatuses {
		statuses[i] = string(st)
	}

	cur, err := s.jobs(corpus).Find(ctx, bson.M{
		"crawling_status": bson.M{"$in": statuses},
		"text_indexed":    bson.M{"$ne": true},
	}, options.Find().SetProjection(bson.M{"_id": 1, "crawljob_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("docstore: find incomplete jobs: %w", err)
	}
	defer cur.Close(ctx)

	var ids []string

	for cur.Next(ctx) {
		var doc struct {
			CrawljobID string `bson:"crawljob_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("docstore: decode job: %w", err)
		}

		ids = append(ids, doc.CrawljobID)
	}

	return ids, cur.Err()
}

// JobHasOutstandingPages reports whether any non-terminal, non-forgotten
// page still belongs to crawljobID (spec §4.6 step 5's completion test).
func (s *Store) JobHasOutstandingPages(ctx context.Context, corpus, crawljobID string) (bool, error) {
	n, err := s.pages(corpus).CountDocuments(ctx, bson.M{
		"_job":      crawljobID,
		"forgotten": false,
		"text_indexation_status": bson.M{"$nin": []string{
			string(core.StatusDontIndex), string(core.StatusIndexed), string(core.StatusError),
		}},
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("docstore: count outstanding pages: %w", err)
	}

	return n > 0, nil
}

// MarkJobsIndexed sets text_indexed = true for the given crawl job ids
// (spec §4.6 step 5, P6 monotonicity: callers never unset this).
func (s *Store) MarkJobsIndexed(ctx context.Context, corpus string, crawljobIDs []string) error {
	if len(crawljobIDs) == 0 {
		return nil
	}

	_, err := s.jobs(corpus).UpdateMany(ctx,
		bson.M{"crawljob_id": bson.M{"$in": crawljobIDs}},
		bson.M{"$set": bson.M{"text_indexed": true}},
	)
	if err != nil {
		return fmt.Errorf("docstore: mark jobs indexed: %w", err)
	}

	return nil
}

// CountUnindexedJobs counts jobs for webentityID scheduled before cutoff
// whose text_indexed flag is absent — the head-of-line-blocking predicate
// of spec §4.5 step 2.
func (s *Store) CountUnindexedJobs(ctx context.Context, corpus, webentityID string, cutoff time.Time) (int64, error) {
	n, err := s.jobs(corpus).CountDocuments(ctx, bson.M{
		"webentity_id": webentityID,
		"scheduled_at": bson.M{"$lt": cutoff.UnixMilli()},
		"text_indexed": bson.M{"$exists": false},
	})
	if err != nil {
		return 0, fmt.Errorf("docstore: count unindexed jobs: %w", err)
	}

	return n, nil
}

// weupdateDoc is the wire shape of a web-entity update event.
type weupdateDoc struct {
	ID           string   `bson:"_id"`
	OldWebentity string   `bson:"old_webentity"`
	NewWebentity string   `bson:"new_webentity"`
	IndexStatus  string   `bson:"index_status"`
	Prefixes     []string `bson:"prefixes"`
	Timestamp    int64    `bson:"timestamp"`
}

func (d weupdateDoc) toCore() core.WEUpdate {
	return core.WEUpdate{
		Timestamp:    time.UnixMilli(d.Timestamp).UTC(),
		ID:           d.ID,
		OldWebentity: d.OldWebentity,
		NewWebentity: d.NewWebentity,
		Prefixes:     d.Prefixes,
		IndexStatus:  core.WEIndexStatus(d.IndexStatus),
	}
}

// PendingWEUpdates returns every PENDING update for corpus, ordered by
// ascending timestamp (spec §4.5 step 1, P5).
func (s *Store) PendingWEUpdates(ctx context.Context, corpus string) ([]core.WEUpdate, error) {
	cur, err := s.weupdates(corpus).Find(ctx,
		bson.M{"index_status": string(core.WEPending)},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("docstore: find pending we-updates: %w", err)
	}
	defer cur.Close(ctx)

	var out []core.WEUpdate

	for cur.Next(ctx) {
		var doc weupdateDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("docstore: decode we-update: %w", err)
		}

		out = append(out, doc.toCore())
	}

	return out, cur.Err()
}

// FinishWEUpdate marks a single update FINISHED (spec §4.5 step 2 on success).
func (s *Store) FinishWEUpdate(ctx context.Context, corpus, id string) error {
	res, err := s.weupdates(corpus).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"index_status": string(core.WEFinished)}},
	)
	if err != nil {
		return fmt.Errorf("docstore: finish we-update: %w", err)
	}

	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}
