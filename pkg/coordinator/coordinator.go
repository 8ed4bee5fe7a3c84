// Package coordinator implements the control loop (C6): the long-running
// loop that discovers corpora, provisions per-corpus search indices, forms
// batches with durable hand-off flags, dispatches them to the worker pool,
// interleaves the web-entity updater, and manages graceful shutdown.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksysoev/hyphe-text-indexer/pkg/core"
	"github.com/ksysoev/hyphe-text-indexer/pkg/searchcluster"
	"github.com/ksysoev/hyphe-text-indexer/pkg/weupdate"
	"github.com/ksysoev/hyphe-text-indexer/pkg/worker"
)

const (
	minThrottle  = 500 * time.Millisecond
	maxThrottle  = 5 * time.Second
	throttleStep = 500 * time.Millisecond

	workerJoinTimeout = 3000 * time.Second
)

// Store is every document-store operation the coordinator and the
// components it drives (worker, weupdate) need.
type Store interface {
	Corpora(ctx context.Context) ([]core.Corpus, error)
	CountPages(ctx context.Context, corpus string, status core.PageStatus) (int64, error)
	FindPageIDs(ctx context.Context, corpus string, limit int64) ([]string, error)
	MarkInBatch(ctx context.Context, corpus string, ids []string, batchUUID string) error
	AggregateIncompleteJobs(ctx context.Context, corpus string) ([]string, error)
	JobHasOutstandingPages(ctx context.Context, corpus, crawljobID string) (bool, error)
	MarkJobsIndexed(ctx context.Context, corpus string, crawljobIDs []string) error
	RevertAllInBatch(ctx context.Context, corpus string) error

	worker.Store
	weupdate.Store
}

// SearchEngine is every search-cluster operation the coordinator and the
// components it drives need.
type SearchEngine interface {
	ExistingIndices(ctx context.Context) ([]string, error)
	CreateIndex(ctx context.Context, index string, mapping []byte) error
	PutMapping(ctx context.Context, index string, mapping []byte) error
	DeleteIndices(ctx context.Context, indices []string) error
	MaxIndexDateByIndex(ctx context.Context) (map[string]time.Time, error)

	worker.SearchEngine
	weupdate.SearchEngine
}

// Config holds the process-wide defaults a Coordinator falls back to when
// a corpus has no overriding options (spec §6).
type Config struct {
	BatchSize                int64
	NBIndexationWorkers      int
	UpdateWEFreq             int
	DefaultExtractionMethods []string
	DefaultExtractionMethod  string

	// ReadyFile, when non-empty, is touched with the current time after
	// every successful tick so an external health check can tell the
	// coordinator is alive without an HTTP portal.
	ReadyFile string
}

// corpusState is the coordinator's in-memory bookkeeping per corpus,
// dropped entirely when a corpus disappears from the registry (spec §4.6
// step 2, S6).
type corpusState struct {
	methods            []string
	defaultExtractor   string
	batchesSinceUpdate int
}

// Coordinator owns the tick loop and the worker pool's lifecycle.
type Coordinator struct {
	store  Store
	engine SearchEngine
	pool   *worker.Pool
	cfg    Config

	state     map[string]*corpusState
	firstTick bool
	throttle  time.Duration
	logger    *slog.Logger
}

// New builds a Coordinator. pool must not have Run called on it yet;
// Coordinator.Run starts cfg.NBIndexationWorkers worker goroutines itself
// so it can join them cleanly on shutdown. Every log line this run emits
// carries a run_id attribute, the Go analogue of the original's per-process
// processName once multiprocessing stopped being the source of that identity.
func New(store Store, engine SearchEngine, pool *worker.Pool, cfg Config) *Coordinator {
	return &Coordinator{
		store:     store,
		engine:    engine,
		pool:      pool,
		cfg:       cfg,
		state:     map[string]*corpusState{},
		firstTick: true,
		throttle:  minThrottle,
		logger:    slog.Default().With("run_id", uuid.NewString()),
	}
}

// Run starts the worker pool and ticks until ctx is cancelled, then
// performs the shutdown sequence of spec §5 before returning.
func (c *Coordinator) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for i := 0; i < c.cfg.NBIndexationWorkers; i++ {
		wg.Add(1)

		name := fmt.Sprintf("worker-%d", i)

		go func() {
			defer wg.Done()
			c.pool.Run(context.WithoutCancel(ctx), name)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return c.shutdown(&wg)
		default:
		}

		if err := c.tick(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return c.shutdown(&wg)
			}

			c.logger.ErrorContext(ctx, "coordinator: tick failed, continuing", "error", err)
		} else {
			c.touchReady()
		}

		if c.throttle > 0 {
			select {
			case <-ctx.Done():
				return c.shutdown(&wg)
			case <-time.After(c.throttle):
			}
		}
	}
}

// touchReady writes the current time to cfg.ReadyFile so an external health
// check can tell this process completed a tick recently.
func (c *Coordinator) touchReady() {
	if c.cfg.ReadyFile == "" {
		return
	}

	if err := os.WriteFile(c.cfg.ReadyFile, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		c.logger.Warn("coordinator: failed to touch ready file", "path", c.cfg.ReadyFile, "error", err)
	}
}

// shutdown runs the shutdown sequence: no new tasks are sent (the tick
// loop has already exited), the task channel is closed, workers are joined
// with a generous timeout, then every non-terminal IN_BATCH_* page is
// reverted back to TO_INDEX across every known corpus. Tasks still buffered
// in the channel when it is closed are not discarded: each worker processes
// its current task and then any buffered ones before it returns.
func (c *Coordinator) shutdown(wg *sync.WaitGroup) error {
	c.pool.Close()

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(workerJoinTimeout):
		c.logger.Warn("coordinator: worker join timed out, reverting batches anyway")
	}

	ctx := context.Background()

	for corpus := range c.state {
		if err := c.store.RevertAllInBatch(ctx, corpus); err != nil {
			c.logger.ErrorContext(ctx, "coordinator: failed to revert in-batch pages on shutdown", "corpus", corpus, "error", err)
		}
	}

	return nil
}

// tick runs one iteration of spec §4.6 steps 1-7.
func (c *Coordinator) tick(ctx context.Context) error {
	corpora, err := c.discover(ctx)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	if err := c.provision(ctx, corpora); err != nil {
		return fmt.Errorf("provisioning: %w", err)
	}

	ordered, err := c.schedule(ctx, corpora)
	if err != nil {
		return fmt.Errorf("scheduling: %w", err)
	}

	totalPending := 0
	totalWEUpdates := 0

	for _, corpus := range ordered {
		pending, err := c.formBatch(ctx, corpus)
		if err != nil {
			c.logger.ErrorContext(ctx, "coordinator: batch formation failed", "corpus", corpus, "error", err)
		}

		totalPending += pending

		if err := c.sweepCompletedJobs(ctx, corpus); err != nil {
			c.logger.ErrorContext(ctx, "coordinator: job completion sweep failed", "corpus", corpus, "error", err)
		}

		st := c.state[corpus]
		st.batchesSinceUpdate++

		pendingWE, err := c.maybeApplyWEUpdates(ctx, corpus, st)
		if err != nil {
			c.logger.ErrorContext(ctx, "coordinator: web-entity update round failed", "corpus", corpus, "error", err)
		}

		totalWEUpdates += pendingWE
	}

	c.firstTick = false

	if totalPending == 0 && totalWEUpdates == 0 {
		c.throttle += throttleStep
		if c.throttle > maxThrottle {
			c.throttle = maxThrottle
		}
	} else {
		c.throttle = minThrottle
	}

	return nil
}

// discover implements spec §4.6 step 1, resolving each corpus's
// extraction methods and default extractor, and dropping in-memory state
// for corpora that vanished from the registry (S6).
func (c *Coordinator) discover(ctx context.Context) ([]core.Corpus, error) {
	corpora, err := c.store.Corpora(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(corpora))

	for _, corpus := range corpora {
		seen[corpus.ID] = true

		methods, defaultExtractor, warning := core.ResolveExtractionMethods(
			corpus.Options, c.cfg.DefaultExtractionMethods, c.cfg.DefaultExtractionMethod)
		if warning != "" {
			c.logger.WarnContext(ctx, "coordinator: "+warning, "corpus", corpus.ID)
		}

		st, ok := c.state[corpus.ID]
		if !ok {
			st = &corpusState{}
			c.state[corpus.ID] = st
		}

		st.methods = methods
		st.defaultExtractor = defaultExtractor
	}

	for id := range c.state {
		if !seen[id] {
			delete(c.state, id)
		}
	}

	return corpora, nil
}

// provision implements spec §4.6 step 2.
func (c *Coordinator) provision(ctx context.Context, corpora []core.Corpus) error {
	existing, err := c.engine.ExistingIndices(ctx)
	if err != nil {
		return err
	}

	existingSet := make(map[string]bool, len(existing))
	for _, idx := range existing {
		existingSet[idx] = true
	}

	desired := make(map[string]bool, len(corpora))

	for _, corpus := range corpora {
		index := core.IndexName(corpus.ID)
		desired[index] = true

		st := c.state[corpus.ID]

		mapping, err := buildMapping(st.defaultExtractor)
		if err != nil {
			return fmt.Errorf("build mapping for %s: %w", corpus.ID, err)
		}

		switch {
		case !existingSet[index]:
			if err := c.engine.CreateIndex(ctx, index, mapping); err != nil {
				return fmt.Errorf("create index %s: %w", index, err)
			}
		case c.firstTick:
			if err := c.engine.PutMapping(ctx, index, mapping); err != nil {
				return fmt.Errorf("put mapping %s: %w", index, err)
			}
		}
	}

	var stale []string

	for _, idx := range existing {
		if !desired[idx] {
			stale = append(stale, idx)
		}
	}

	if len(stale) > 0 {
		staleCorpora := make([]string, len(stale))
		for i, idx := range stale {
			staleCorpora[i] = searchcluster.IndexNameFromHyphePattern(idx)
		}

		c.logger.WarnContext(ctx, "coordinator: deleting indices for removed corpora", "corpora", staleCorpora)

		if err := c.engine.DeleteIndices(ctx, stale); err != nil {
			return fmt.Errorf("delete stale indices %v: %w", stale, err)
		}
	}

	return nil
}

// schedule implements spec §4.6 step 3: corpora ordered ascending by their
// index's max indexDate, missing treated as zero, for starvation-free
// fairness.
func (c *Coordinator) schedule(ctx context.Context, corpora []core.Corpus) ([]string, error) {
	maxDates, err := c.engine.MaxIndexDateByIndex(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(corpora))
	for i, corpus := range corpora {
		ids[i] = corpus.ID
	}

	sort.SliceStable(ids, func(i, j int) bool {
		return maxDates[core.IndexName(ids[i])].Before(maxDates[core.IndexName(ids[j])])
	})

	return ids, nil
}

// formBatch implements spec §4.6 step 4, returning the pending-pages count
// observed (used by the throttle decision in step 7).
func (c *Coordinator) formBatch(ctx context.Context, corpus string) (int, error) {
	count, err := c.store.CountPages(ctx, corpus, core.StatusToIndex)
	if err != nil {
		return 0, err
	}

	if count == 0 || c.pool.Len() >= c.pool.Cap() {
		return int(count), nil
	}

	ids, err := c.store.FindPageIDs(ctx, corpus, c.cfg.BatchSize)
	if err != nil {
		return int(count), err
	}

	if len(ids) == 0 {
		return int(count), nil
	}

	batchUUID := core.BatchUUID(ids)

	if err := c.store.MarkInBatch(ctx, corpus, ids, batchUUID); err != nil {
		return int(count), err
	}

	task := core.BatchTask{
		Corpus:            corpus,
		BatchUUID:         batchUUID,
		ExtractionMethods: c.state[corpus].methods,
	}

	select {
	case c.pool.Tasks() <- task:
	default:
		// Channel unexpectedly full despite the capacity check above
		// (spec §4.6 step 4d): revert the lease rather than losing track
		// of these pages.
		if err := c.store.RevertBatch(ctx, corpus, batchUUID); err != nil {
			return int(count), fmt.Errorf("revert batch after full channel: %w", err)
		}
	}

	return int(count), nil
}

// sweepCompletedJobs implements spec §4.6 step 5.
func (c *Coordinator) sweepCompletedJobs(ctx context.Context, corpus string) error {
	jobIDs, err := c.store.AggregateIncompleteJobs(ctx, corpus)
	if err != nil {
		return err
	}

	var completed []string

	for _, id := range jobIDs {
		outstanding, err := c.store.JobHasOutstandingPages(ctx, corpus, id)
		if err != nil {
			return err
		}

		if !outstanding {
			completed = append(completed, id)
		}
	}

	if len(completed) == 0 {
		return nil
	}

	if err := c.store.MarkJobsIndexed(ctx, corpus, completed); err != nil {
		return err
	}

	return c.engine.Refresh(ctx, core.IndexName(corpus))
}

// maybeApplyWEUpdates implements spec §4.6 step 6, returning the number of
// updates still pending for this corpus (used by the throttle decision).
func (c *Coordinator) maybeApplyWEUpdates(ctx context.Context, corpus string, st *corpusState) (int, error) {
	pending, err := c.store.PendingWEUpdates(ctx, corpus)
	if err != nil {
		return 0, err
	}

	if len(pending) == 0 {
		return 0, nil
	}

	if st.batchesSinceUpdate <= c.cfg.UpdateWEFreq {
		return len(pending), nil
	}

	applied, err := weupdate.Apply(ctx, c.store, c.engine, corpus)
	if err != nil {
		return len(pending), err
	}

	st.batchesSinceUpdate = 0

	return len(pending) - applied.Count, nil
}
