package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksysoev/hyphe-text-indexer/pkg/core"
	"github.com/ksysoev/hyphe-text-indexer/pkg/extract"
	"github.com/ksysoev/hyphe-text-indexer/pkg/searchcluster"
	"github.com/ksysoev/hyphe-text-indexer/pkg/worker"
)

// fakeStore and fakeEngine are hand-rolled doubles satisfying the
// Coordinator's Store/SearchEngine interfaces, matching the teacher's
// no-generated-mocks test idiom (publisher_test.go).
type fakeStore struct {
	mu sync.Mutex

	corpora        []core.Corpus
	pendingCounts  map[string]int64
	pageIDs        map[string][]string
	inBatch        map[string][]string // batchUUID -> ids
	reverted       []string
	incompleteJobs map[string][]string
	outstanding    map[string]bool // corpus|jobID -> has outstanding pages
	markedIndexed  []string
	pendingWE      map[string][]core.WEUpdate
	unindexedJobs  map[string]int64
	finishedWE     []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pendingCounts:  map[string]int64{},
		pageIDs:        map[string][]string{},
		inBatch:        map[string][]string{},
		incompleteJobs: map[string][]string{},
		outstanding:    map[string]bool{},
		pendingWE:      map[string][]core.WEUpdate{},
		unindexedJobs:  map[string]int64{},
	}
}

func (f *fakeStore) Corpora(context.Context) ([]core.Corpus, error) { return f.corpora, nil }

func (f *fakeStore) CountPages(_ context.Context, corpus string, _ core.PageStatus) (int64, error) {
	return f.pendingCounts[corpus], nil
}

func (f *fakeStore) FindPageIDs(_ context.Context, corpus string, _ int64) ([]string, error) {
	return f.pageIDs[corpus], nil
}

func (f *fakeStore) MarkInBatch(_ context.Context, _ string, ids []string, batchUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inBatch[batchUUID] = ids

	return nil
}

func (f *fakeStore) AggregateIncompleteJobs(_ context.Context, corpus string) ([]string, error) {
	return f.incompleteJobs[corpus], nil
}

func (f *fakeStore) JobHasOutstandingPages(_ context.Context, corpus, jobID string) (bool, error) {
	return f.outstanding[corpus+"|"+jobID], nil
}

func (f *fakeStore) MarkJobsIndexed(_ context.Context, _ string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.markedIndexed = append(f.markedIndexed, ids...)

	return nil
}

func (f *fakeStore) RevertAllInBatch(_ context.Context, corpus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reverted = append(f.reverted, corpus)

	return nil
}

func (f *fakeStore) FindBatchPages(context.Context, string, string) ([]core.Page, error) {
	return nil, nil
}
func (f *fakeStore) MarkIndexed(context.Context, string, []string) error       { return nil }
func (f *fakeStore) MarkErrorOne(context.Context, string, string, string) error { return nil }
func (f *fakeStore) RevertBatch(context.Context, string, string) error        { return nil }

func (f *fakeStore) PendingWEUpdates(_ context.Context, corpus string) ([]core.WEUpdate, error) {
	return f.pendingWE[corpus], nil
}

func (f *fakeStore) CountUnindexedJobs(_ context.Context, _, webentityID string, _ time.Time) (int64, error) {
	return f.unindexedJobs[webentityID], nil
}

func (f *fakeStore) FinishWEUpdate(_ context.Context, _, id string) error {
	f.finishedWE = append(f.finishedWE, id)
	return nil
}

type fakeEngine struct {
	mu sync.Mutex

	existing     []string
	created      []string
	putMappings  []string
	deleted      [][]string
	maxDates     map[string]time.Time
	refreshCalls int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{maxDates: map[string]time.Time{}}
}

func (f *fakeEngine) ExistingIndices(context.Context) ([]string, error) { return f.existing, nil }

func (f *fakeEngine) CreateIndex(_ context.Context, index string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.created = append(f.created, index)
	f.existing = append(f.existing, index)

	return nil
}

func (f *fakeEngine) PutMapping(_ context.Context, index string, _ []byte) error {
	f.putMappings = append(f.putMappings, index)
	return nil
}

func (f *fakeEngine) DeleteIndices(_ context.Context, indices []string) error {
	f.deleted = append(f.deleted, indices)
	return nil
}

func (f *fakeEngine) MaxIndexDateByIndex(context.Context) (map[string]time.Time, error) {
	return f.maxDates, nil
}

func (f *fakeEngine) BulkUpsert(context.Context, string, map[string]map[string]any) (*searchcluster.BulkResult, error) {
	return &searchcluster.BulkResult{}, nil
}

func (f *fakeEngine) UpdateByQuery(context.Context, string, searchcluster.Script, map[string]any) error {
	return nil
}

func (f *fakeEngine) Refresh(context.Context, string) error {
	f.refreshCalls++
	return nil
}

func testConfig() Config {
	return Config{
		BatchSize:                10,
		NBIndexationWorkers:      2,
		UpdateWEFreq:             1,
		DefaultExtractionMethods: []string{"textify"},
		DefaultExtractionMethod:  "textify",
	}
}

func TestDiscoverResolvesMethodsAndDropsGoneCorpora(t *testing.T) {
	store := newFakeStore()
	store.corpora = []core.Corpus{{ID: "c1", Options: core.CorpusOptions{IndexTextContent: true}}}

	c := New(store, newFakeEngine(), worker.New(2, store, newFakeEngine(), extract.NewRegistry()), testConfig())
	c.state["stale"] = &corpusState{}

	corpora, err := c.discover(context.Background())

	require.NoError(t, err)
	assert.Len(t, corpora, 1)
	assert.Contains(t, c.state, "c1")
	assert.NotContains(t, c.state, "stale", "S6: state for a vanished corpus must be dropped")
	assert.Equal(t, []string{"textify"}, c.state["c1"].methods)
	assert.Equal(t, "textify", c.state["c1"].defaultExtractor)
}

func TestProvisionCreatesMissingIndexAndDeletesStale(t *testing.T) {
	store := newFakeStore()
	engine := newFakeEngine()
	engine.existing = []string{"hyphe_old"}

	c := New(store, engine, worker.New(2, store, engine, extract.NewRegistry()), testConfig())
	c.state["c1"] = &corpusState{defaultExtractor: "textify"}

	err := c.provision(context.Background(), []core.Corpus{{ID: "c1"}})

	require.NoError(t, err)
	assert.Contains(t, engine.created, "hyphe_c1")
	assert.Equal(t, [][]string{{"hyphe_old"}}, engine.deleted, "an index no longer backed by a corpus is deleted (S6)")
}

func TestProvisionPutsMappingOnFirstTickWhenIndexAlreadyExists(t *testing.T) {
	store := newFakeStore()
	engine := newFakeEngine()
	engine.existing = []string{"hyphe_c1"}

	c := New(store, engine, worker.New(2, store, engine, extract.NewRegistry()), testConfig())
	c.state["c1"] = &corpusState{defaultExtractor: "textify"}
	c.firstTick = true

	err := c.provision(context.Background(), []core.Corpus{{ID: "c1"}})

	require.NoError(t, err)
	assert.Equal(t, []string{"hyphe_c1"}, engine.putMappings)
	assert.Empty(t, engine.created)
}

func TestScheduleOrdersAscendingByMaxIndexDateMissingAsZero(t *testing.T) {
	store := newFakeStore()
	engine := newFakeEngine()
	engine.maxDates = map[string]time.Time{
		"hyphe_fresh": time.Now(),
	}

	c := New(store, engine, worker.New(2, store, engine, extract.NewRegistry()), testConfig())

	ordered, err := c.schedule(context.Background(), []core.Corpus{{ID: "fresh"}, {ID: "stale"}})

	require.NoError(t, err)
	assert.Equal(t, []string{"stale", "fresh"}, ordered, "a corpus with no recorded indexDate sorts first")
}

func TestFormBatchLeasesPagesAndDispatchesTask(t *testing.T) {
	store := newFakeStore()
	store.pendingCounts["c1"] = 3
	store.pageIDs["c1"] = []string{"id-a", "id-b", "id-c"}

	pool := worker.New(2, store, newFakeEngine(), extract.NewRegistry())
	c := New(store, newFakeEngine(), pool, testConfig())
	c.state["c1"] = &corpusState{methods: []string{"textify"}}

	pending, err := c.formBatch(context.Background(), "c1")

	require.NoError(t, err)
	assert.Equal(t, 3, pending)

	wantUUID := core.BatchUUID([]string{"id-a", "id-b", "id-c"})
	assert.Equal(t, []string{"id-a", "id-b", "id-c"}, store.inBatch[wantUUID])

	select {
	case task := <-pool.Tasks():
		assert.Equal(t, "c1", task.Corpus)
		assert.Equal(t, wantUUID, task.BatchUUID)
	default:
		t.Fatal("expected a task to be dispatched to the pool")
	}
}

func TestFormBatchSkipsWhenNoPendingPages(t *testing.T) {
	store := newFakeStore()
	pool := worker.New(2, store, newFakeEngine(), extract.NewRegistry())
	c := New(store, newFakeEngine(), pool, testConfig())
	c.state["c1"] = &corpusState{}

	pending, err := c.formBatch(context.Background(), "c1")

	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Empty(t, store.inBatch)
}

func TestFormBatchSkipsWhenPoolAtCapacity(t *testing.T) {
	store := newFakeStore()
	store.pendingCounts["c1"] = 5

	pool := worker.New(1, store, newFakeEngine(), extract.NewRegistry())
	pool.Tasks() <- core.BatchTask{Corpus: "other"}

	c := New(store, newFakeEngine(), pool, testConfig())
	c.state["c1"] = &corpusState{}

	pending, err := c.formBatch(context.Background(), "c1")

	require.NoError(t, err)
	assert.Equal(t, 5, pending)
	assert.Empty(t, store.inBatch, "a full task channel must not be leased against (precondition in step 4)")
}

func TestSweepCompletedJobsMarksOnlyFullyResolvedJobs(t *testing.T) {
	store := newFakeStore()
	store.incompleteJobs["c1"] = []string{"job-done", "job-pending"}
	store.outstanding["c1|job-pending"] = true

	engine := newFakeEngine()
	c := New(store, engine, worker.New(2, store, engine, extract.NewRegistry()), testConfig())

	err := c.sweepCompletedJobs(context.Background(), "c1")

	require.NoError(t, err)
	assert.Equal(t, []string{"job-done"}, store.markedIndexed)
	assert.Equal(t, 1, engine.refreshCalls, "a refresh follows the sweep so WE-updates observe it")
}

func TestSweepCompletedJobsNoopWhenNoneComplete(t *testing.T) {
	store := newFakeStore()
	store.incompleteJobs["c1"] = []string{"job-pending"}
	store.outstanding["c1|job-pending"] = true

	engine := newFakeEngine()
	c := New(store, engine, worker.New(2, store, engine, extract.NewRegistry()), testConfig())

	err := c.sweepCompletedJobs(context.Background(), "c1")

	require.NoError(t, err)
	assert.Empty(t, store.markedIndexed)
	assert.Equal(t, 0, engine.refreshCalls)
}

func TestMaybeApplyWEUpdatesWaitsForFrequencyThreshold(t *testing.T) {
	store := newFakeStore()
	store.pendingWE["c1"] = []core.WEUpdate{{ID: "u1", OldWebentity: "we1"}}

	engine := newFakeEngine()
	c := New(store, engine, worker.New(2, store, engine, extract.NewRegistry()), testConfig())

	st := &corpusState{batchesSinceUpdate: 1} // cfg.UpdateWEFreq is 1, so <= does not trigger yet

	pending, err := c.maybeApplyWEUpdates(context.Background(), "c1", st)

	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	assert.Empty(t, store.finishedWE)
}

func TestMaybeApplyWEUpdatesRunsOnceThresholdExceeded(t *testing.T) {
	store := newFakeStore()
	store.pendingWE["c1"] = []core.WEUpdate{{ID: "u1", OldWebentity: "we1"}}

	engine := newFakeEngine()
	c := New(store, engine, worker.New(2, store, engine, extract.NewRegistry()), testConfig())

	st := &corpusState{batchesSinceUpdate: 2}

	pending, err := c.maybeApplyWEUpdates(context.Background(), "c1", st)

	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, []string{"u1"}, store.finishedWE)
	assert.Equal(t, 0, st.batchesSinceUpdate, "counter resets after a round runs")
}

func TestTickThrottlesUpWhenNothingToDoAndResetsOtherwise(t *testing.T) {
	store := newFakeStore()
	store.corpora = []core.Corpus{{ID: "c1", Options: core.CorpusOptions{IndexTextContent: true}}}

	engine := newFakeEngine()
	pool := worker.New(2, store, engine, extract.NewRegistry())
	c := New(store, engine, pool, testConfig())

	require.NoError(t, c.tick(context.Background()))
	assert.Greater(t, c.throttle, minThrottle, "an idle tick grows the throttle")

	store.pendingCounts["c1"] = 1
	store.pageIDs["c1"] = []string{"id-a"}

	require.NoError(t, c.tick(context.Background()))
	assert.Equal(t, minThrottle, c.throttle, "a productive tick resets the throttle")
}

func TestShutdownRevertsInBatchPagesForEveryKnownCorpus(t *testing.T) {
	store := newFakeStore()
	engine := newFakeEngine()
	pool := worker.New(1, store, engine, extract.NewRegistry())

	c := New(store, engine, pool, testConfig())
	c.state["c1"] = &corpusState{}
	c.state["c2"] = &corpusState{}

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		pool.Run(context.Background(), "worker-0")
	}()

	err := c.shutdown(&wg)

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, store.reverted)
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	store := newFakeStore()
	engine := newFakeEngine()
	pool := worker.New(2, store, engine, extract.NewRegistry())

	c := New(store, engine, pool, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- c.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
