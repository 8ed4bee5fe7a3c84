// Package worker implements the batch worker pool (C4): a bounded number
// of goroutines that pull batch tasks off a channel, transform pages into
// search-ready documents, bulk-upsert them, and reconcile per-document
// outcomes back to the document store.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/ksysoev/hyphe-text-indexer/pkg/core"
	"github.com/ksysoev/hyphe-text-indexer/pkg/extract"
	"github.com/ksysoev/hyphe-text-indexer/pkg/searchcluster"
	"github.com/ksysoev/hyphe-text-indexer/pkg/transform"
)

// Store is the narrow slice of pkg/docstore.Store a worker needs.
type Store interface {
	FindBatchPages(ctx context.Context, corpus, batchUUID string) ([]core.Page, error)
	MarkIndexed(ctx context.Context, corpus string, ids []string) error
	MarkErrorOne(ctx context.Context, corpus, id, reason string) error
	RevertBatch(ctx context.Context, corpus, batchUUID string) error
}

// SearchEngine is the narrow slice of pkg/searchcluster.Client a worker
// needs.
type SearchEngine interface {
	BulkUpsert(ctx context.Context, index string, docs map[string]map[string]any) (*searchcluster.BulkResult, error)
}

// Pool is NB_INDEXATION_WORKERS goroutines consuming core.BatchTask from a
// channel of the same capacity (spec §4.4, §5).
type Pool struct {
	tasks    chan core.BatchTask
	store    Store
	engine   SearchEngine
	registry *extract.Registry
}

// New builds a pool with the given channel capacity. Run must be called
// once per worker slot to actually start consuming.
func New(size int, store Store, engine SearchEngine, registry *extract.Registry) *Pool {
	return &Pool{
		tasks:    make(chan core.BatchTask, size),
		store:    store,
		engine:   engine,
		registry: registry,
	}
}

// Tasks returns the channel the coordinator sends batch descriptors on. A
// non-blocking send per spec §4.6 step 4d is the caller's responsibility.
func (p *Pool) Tasks() chan<- core.BatchTask {
	return p.tasks
}

// Len reports the number of tasks currently buffered, so the coordinator
// can check "does the channel have capacity" before forming a new batch.
func (p *Pool) Len() int {
	return len(p.tasks)
}

// Cap reports the channel's capacity (NB_INDEXATION_WORKERS).
func (p *Pool) Cap() int {
	return cap(p.tasks)
}

// Run is the loop of one worker identified by name; it runs in the calling
// goroutine and blocks until the task channel is closed and drained. Workers never inspect ctx for
// cancellation signals themselves — per spec §5 and §9's resolved open
// question, a worker's only way to stop is the channel closing, so it
// falls off the loop and returns explicitly rather than calling exit.
func (p *Pool) Run(ctx context.Context, name string) {
	log := slog.With("worker", name)

	for task := range p.tasks {
		p.handleTask(ctx, log, task)
	}
}

// Close closes the task channel; callers must stop sending before calling
// this, and Run goroutines exit once the channel drains (spec §5 step 2).
func (p *Pool) Close() {
	close(p.tasks)
}

func (p *Pool) handleTask(ctx context.Context, log *slog.Logger, task core.BatchTask) {
	log = log.With("corpus", task.Corpus, "batch", task.BatchUUID)

	pages, err := p.store.FindBatchPages(ctx, task.Corpus, task.BatchUUID)
	if err != nil {
		log.ErrorContext(ctx, "worker: failed to load batch pages, reverting", "error", err)
		p.revert(ctx, log, task)

		return
	}

	log.InfoContext(ctx, "worker: pages to index in batch", "count", len(pages))

	docs := make(map[string]map[string]any, len(pages))

	now := time.Now().UTC()

	for _, page := range pages {
		doc, rejectErr, fatalErr := transform.Transform(p.registry, page, task.ExtractionMethods, now)
		if fatalErr != nil {
			log.ErrorContext(ctx, "worker: failed to decompress page, reverting batch", "url", page.URL, "error", fatalErr)
			p.revert(ctx, log, task)

			return
		}

		if rejectErr != nil {
			id := core.DocID(page.URL)

			if err := p.store.MarkErrorOne(ctx, task.Corpus, id, rejectErr.Error()); err != nil {
				log.ErrorContext(ctx, "worker: failed to mark rejected page, reverting", "error", err)
				p.revert(ctx, log, task)

				return
			}

			continue
		}

		docs[doc.ID] = toFields(doc)
	}

	if len(docs) == 0 {
		return
	}

	result, err := p.engine.BulkUpsert(ctx, core.IndexName(task.Corpus), docs)
	if err != nil {
		log.ErrorContext(ctx, "worker: bulk upsert failed, reverting batch", "error", err)
		p.revert(ctx, log, task)

		return
	}

	if err := p.store.MarkIndexed(ctx, task.Corpus, result.SucceededIDs); err != nil {
		log.ErrorContext(ctx, "worker: failed to mark indexed, reverting batch", "error", err)
		p.revert(ctx, log, task)

		return
	}

	for id, reason := range result.Failed {
		if err := p.store.MarkErrorOne(ctx, task.Corpus, id, reason); err != nil {
			log.ErrorContext(ctx, "worker: failed to mark bulk error", "id", id, "error", err)
		}
	}
}

func (p *Pool) revert(ctx context.Context, log *slog.Logger, task core.BatchTask) {
	if err := p.store.RevertBatch(ctx, task.Corpus, task.BatchUUID); err != nil {
		log.ErrorContext(ctx, "worker: failed to revert batch", "error", err)
	}
}

// toFields flattens an IndexedDocument into the bulk upsert doc body,
// excluding _id which the bulk meta line already carries.
func toFields(doc *core.IndexedDocument) map[string]any {
	fields := map[string]any{
		"url":          doc.URL,
		"lru":          doc.LRU,
		"prefixes":     doc.Prefixes,
		"HTTP_status":  doc.HTTPStatus,
		"crawlDate":    doc.CrawlDate.UTC().Format(time.RFC3339),
		"webentity_id": doc.WebentityID,
		"indexDate":    doc.IndexDate.UTC().Format(time.RFC3339),
		"encoding":     doc.Encoding,
	}

	if doc.Title != nil {
		fields["title"] = *doc.Title
	}

	for name, text := range doc.Extracted {
		if text != nil {
			fields[name] = *text
		}
	}

	if doc.TrafilaturaDate != nil {
		fields["trafilaturaDate"] = *doc.TrafilaturaDate
	}

	if doc.TrafilaturaAuthor != nil {
		fields["trafilaturaAuthor"] = *doc.TrafilaturaAuthor
	}

	if doc.TrafilaturaComments != nil {
		fields["trafilaturaComments"] = *doc.TrafilaturaComments
	}

	if doc.WEUpdateDate != nil {
		fields["WEUpdateDate"] = doc.WEUpdateDate.UTC().Format(time.RFC3339)
	}

	return fields
}
