package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/models"
)

// NOTE: These tests are intentionally DB-free. The engine runs against an
// in-memory pipelineStore and fake sources, validating the intended
// pipeline semantics:
// - a clean incremental cycle commits the feed's cutoff, a failed one
//   leaves the prior cutoff untouched
// - one side failing downgrades the entity to partial, both sides failing
//   to failed, and the run rollup never masks a partial
// - the worker pool bounds cross-entity concurrency without ordering results
//
// Full DB integration runs should happen in an environment with MySQL.

type fakeBulk struct {
	mu        sync.Mutex
	rows      map[string][]NativeRow
	err       error
	delay     time.Duration
	active    int
	maxActive int
}

func (f *fakeBulk) FetchBulk(ctx context.Context, entityType string) ([]NativeRow, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	return f.rows[entityType], nil
}

type fakeFeed struct {
	mu       sync.Mutex
	rows     map[string][]NativeRow
	cutoff   time.Time
	err      error
	gotSince *time.Time
}

func (f *fakeFeed) FetchIncremental(ctx context.Context, entityType string, since *time.Time) ([]NativeRow, time.Time, error) {
	f.mu.Lock()
	f.gotSince = since
	f.mu.Unlock()

	if f.err != nil {
		return nil, time.Time{}, f.err
	}
	return f.rows[entityType], f.cutoff, nil
}

// fakeStore keeps source tables as key->row maps so repeated upserts of
// the same natural key behave like the MySQL unique index.
type fakeStore struct {
	mu      sync.Mutex
	columns map[string][]string
	tables  map[string]map[string]Row
	cutoffs map[string]*time.Time
	commits map[string][]time.Time
	errs    []models.SyncError
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		columns: map[string][]string{},
		tables:  map[string]map[string]Row{},
		cutoffs: map[string]*time.Time{},
		commits: map[string][]time.Time{},
	}
}

func (s *fakeStore) EnsureSourceTables(ctx context.Context, sch EntitySchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cols := sch.FieldNames()
	s.columns[SourceTableName(sch.Entity, SourceBulk)] = cols
	s.columns[SourceTableName(sch.Entity, SourceAPI)] = cols
	s.columns[ReconciledViewName(sch.Entity)] = cols
	return nil
}

func (s *fakeStore) EnsureReconciledView(ctx context.Context, sch EntitySchema) error {
	return nil
}

func (s *fakeStore) Upsert(ctx context.Context, sch EntitySchema, source Source, rows []Row) (LoadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := SourceTableName(sch.Entity, source)
	if s.tables[table] == nil {
		s.tables[table] = map[string]Row{}
	}

	var result LoadResult
	for i, row := range rows {
		key := NaturalKeyValue(sch, row)
		if key == "" {
			result.Rejected = append(result.Rejected, LoadRejection{
				Index:   i,
				Message: fmt.Sprintf("row missing natural key %q", sch.NaturalKey),
			})
			continue
		}
		s.tables[table][key] = row
		result.Loaded++
	}
	return result, nil
}

func (s *fakeStore) FetchSourceTables(ctx context.Context, sch EntitySchema) (TableData, TableData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(sch, SourceBulk), s.snapshot(sch, SourceAPI), nil
}

func (s *fakeStore) snapshot(sch EntitySchema, source Source) TableData {
	table := SourceTableName(sch.Entity, source)
	data := TableData{Name: table, Columns: sch.FieldNames()}
	for _, row := range s.tables[table] {
		data.Rows = append(data.Rows, row)
	}
	return data
}

func (s *fakeStore) GetCutoff(ctx context.Context, entityType string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cutoffs[entityType], nil
}

func (s *fakeStore) CommitCutoff(ctx context.Context, entityType string, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cutoff
	s.cutoffs[entityType] = &c
	s.commits[entityType] = append(s.commits[entityType], cutoff)
	return nil
}

func (s *fakeStore) TableColumns(ctx context.Context, table string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.columns[table], nil
}

func (s *fakeStore) TableAggregates(ctx context.Context, table string, dateColumn string) (int64, *time.Time, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.tables[table])), nil, nil, nil
}

func (s *fakeStore) SaveSyncError(ctx context.Context, rec *models.SyncError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, *rec)
	return nil
}

func testEngine(store *fakeStore, bulk BulkSource, feed FeedSource) *Engine {
	return &Engine{
		store: store,
		cfg: config.ReconConfig{
			FreshnessThresholdDays: 1,
			DateFallbackOrder:      []string{"created_time", "last_modified_time"},
			WorkerPoolSize:         2,
			StageTimeout:           time.Second,
			FullResyncAfterDays:    30,
		},
		logger: config.GetLogger(),
		bulk:   bulk,
		feed:   feed,
		now:    func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func TestRunEntity_CleanCycleCommitsCutoff(t *testing.T) {
	store := newFakeStore()
	feedCutoff := time.Date(2024, 5, 1, 11, 59, 0, 0, time.UTC)

	bulk := &fakeBulk{rows: map[string][]NativeRow{
		"invoice": {{"Invoice Number": "INV-1", "Total": "100.00", "Invoice Date": "2024-04-30"}},
	}}
	feed := &fakeFeed{
		rows:   map[string][]NativeRow{"invoice": {{"invoice_number": "INV-1", "total": "150.00"}}},
		cutoff: feedCutoff,
	}

	e := testEngine(store, bulk, feed)
	outcome := e.runEntity(context.Background(), 7, "invoice")

	if outcome.Status != "success" {
		t.Fatalf("status = %q (%s), want success", outcome.Status, outcome.Error)
	}
	if outcome.RowsLoaded != 2 {
		t.Fatalf("rows loaded = %d, want 2", outcome.RowsLoaded)
	}
	if outcome.Reconcile == nil || outcome.Reconcile.MergedRows != 1 {
		t.Fatalf("reconcile stats = %+v, want 1 merged row", outcome.Reconcile)
	}
	if outcome.CutoffCommitted == nil || !outcome.CutoffCommitted.Equal(feedCutoff) {
		t.Fatalf("cutoff committed = %v, want %v", outcome.CutoffCommitted, feedCutoff)
	}
	if got := store.commits["invoice"]; len(got) != 1 || !got[0].Equal(feedCutoff) {
		t.Fatalf("store commits = %v, want one commit of %v", got, feedCutoff)
	}
}

func TestRunEntity_FeedFailureLeavesCutoffUntouched(t *testing.T) {
	store := newFakeStore()
	prior := time.Date(2024, 4, 20, 0, 0, 0, 0, time.UTC)
	store.cutoffs["invoice"] = &prior

	bulk := &fakeBulk{rows: map[string][]NativeRow{
		"invoice": {{"Invoice Number": "INV-1", "Total": "100.00"}},
	}}
	feed := &fakeFeed{err: errors.New("feed api error 500")}

	e := testEngine(store, bulk, feed)
	outcome := e.runEntity(context.Background(), 8, "invoice")

	if outcome.Status != "partial" {
		t.Fatalf("status = %q, want partial: bulk landed, feed did not", outcome.Status)
	}
	if len(store.commits["invoice"]) != 0 {
		t.Fatalf("cutoff committed after a failed fetch cycle: %v", store.commits["invoice"])
	}
	cutoff, _ := store.GetCutoff(context.Background(), "invoice")
	if cutoff == nil || !cutoff.Equal(prior) {
		t.Fatalf("cutoff = %v, want prior %v untouched", cutoff, prior)
	}
	if feed.gotSince == nil || !feed.gotSince.Equal(prior) {
		t.Fatalf("feed fetched with since = %v, want prior cutoff %v", feed.gotSince, prior)
	}

	found := false
	for _, rec := range store.errs {
		if rec.ErrorCode == models.SyncErrorFetchFailed && rec.SourceTag == string(SourceAPI) {
			found = true
		}
	}
	if !found {
		t.Fatalf("no fetch_failed error recorded for the feed side: %+v", store.errs)
	}
}

func TestRunEntity_BulkFailureStillCommitsCleanFeed(t *testing.T) {
	store := newFakeStore()
	feedCutoff := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)

	bulk := &fakeBulk{err: errors.New("no bulk export file")}
	feed := &fakeFeed{
		rows:   map[string][]NativeRow{"invoice": {{"invoice_number": "INV-2", "total": "80.00"}}},
		cutoff: feedCutoff,
	}

	e := testEngine(store, bulk, feed)
	outcome := e.runEntity(context.Background(), 9, "invoice")

	if outcome.Status != "partial" {
		t.Fatalf("status = %q, want partial", outcome.Status)
	}
	if got := store.commits["invoice"]; len(got) != 1 || !got[0].Equal(feedCutoff) {
		t.Fatalf("clean feed cycle must still commit its cutoff, commits = %v", got)
	}
}

func TestRunEntity_BothSourcesFailing(t *testing.T) {
	store := newFakeStore()

	bulk := &fakeBulk{err: errors.New("no bulk export file")}
	feed := &fakeFeed{err: errors.New("feed api error 500")}

	e := testEngine(store, bulk, feed)
	outcome := e.runEntity(context.Background(), 10, "invoice")

	if outcome.Status != "failed" {
		t.Fatalf("status = %q, want failed", outcome.Status)
	}
	if outcome.Reconcile != nil {
		t.Fatal("no side landed; reconcile must not run")
	}
	if len(store.commits) != 0 {
		t.Fatalf("commits = %v, want none", store.commits)
	}
}

func TestRunEntities_BoundsConcurrency(t *testing.T) {
	store := newFakeStore()
	bulk := &fakeBulk{delay: 20 * time.Millisecond}
	feed := &fakeFeed{cutoff: time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)}

	e := testEngine(store, bulk, feed)
	entities := models.AllEntityTypes()
	outcomes := e.runEntities(context.Background(), 11, entities)

	if len(outcomes) != len(entities) {
		t.Fatalf("outcomes = %d, want %d", len(outcomes), len(entities))
	}
	for i, o := range outcomes {
		if o.EntityType != entities[i] {
			t.Fatalf("outcome %d is %q, want %q: results must keep input order", i, o.EntityType, entities[i])
		}
	}
	if bulk.maxActive > e.cfg.WorkerPoolSize {
		t.Fatalf("pool allowed %d concurrent pipelines, cap is %d", bulk.maxActive, e.cfg.WorkerPoolSize)
	}
}

func TestRollupOutcomes(t *testing.T) {
	success := EntityOutcome{Status: "success", RowsLoaded: 3}
	partial := EntityOutcome{Status: "partial", RowsLoaded: 1}
	failed := EntityOutcome{Status: "failed"}

	if status, loaded, nfailed := rollupOutcomes([]EntityOutcome{success, success}); status != models.SyncRunStatusSuccess || loaded != 6 || nfailed != 0 {
		t.Fatalf("all-success rollup = %q/%d/%d", status, loaded, nfailed)
	}
	if status, _, _ := rollupOutcomes([]EntityOutcome{success, failed}); status != models.SyncRunStatusPartial {
		t.Fatalf("mixed rollup = %q, want partial: one failure never masks another entity's success", status)
	}
	if status, _, _ := rollupOutcomes([]EntityOutcome{success, partial}); status != models.SyncRunStatusPartial {
		t.Fatalf("success+partial rollup = %q, want partial", status)
	}
	if status, _, _ := rollupOutcomes([]EntityOutcome{failed, failed}); status != models.SyncRunStatusFailed {
		t.Fatalf("all-failed rollup = %q, want failed", status)
	}
}

func TestDecodeEntities_Defaults(t *testing.T) {
	if !reflect.DeepEqual(decodeEntities(nil), models.AllEntityTypes()) {
		t.Fatal("nil payload must mean all entities")
	}
	if !reflect.DeepEqual(decodeEntities([]byte("not json")), models.AllEntityTypes()) {
		t.Fatal("garbage payload must mean all entities")
	}
	if !reflect.DeepEqual(decodeEntities([]byte(`["ledger"]`)), models.AllEntityTypes()) {
		t.Fatal("payload with only unknown entities must mean all entities")
	}
}

func TestDecodeEntities_FiltersUnknown(t *testing.T) {
	raw, _ := json.Marshal([]string{"invoice", "ledger", "bill"})
	got := decodeEntities(raw)
	want := []string{"invoice", "bill"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
