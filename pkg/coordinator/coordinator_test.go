package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-taskagent/pkg/embed"
	"github.com/Protocol-Lattice/go-taskagent/pkg/store"
	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

var errInjected = errors.New("injected failure")

// faultyVectors wraps an index and fails selected calls.
type faultyVectors struct {
	store.VectorIndex
	failUpsert atomic.Bool
	failDelete atomic.Bool
	upserts    atomic.Int32
	deletes    atomic.Int32
}

func (f *faultyVectors) Upsert(ctx context.Context, e task.VectorEntry) error {
	f.upserts.Add(1)
	if f.failUpsert.Load() {
		return errInjected
	}
	return f.VectorIndex.Upsert(ctx, e)
}

func (f *faultyVectors) Delete(ctx context.Context, id int64) error {
	f.deletes.Add(1)
	if f.failDelete.Load() {
		return errInjected
	}
	return f.VectorIndex.Delete(ctx, id)
}

// faultyRecords fails commits or deletes a given number of times.
type faultyRecords struct {
	store.RecordStore
	commitFailures atomic.Int32
	deleteFailures atomic.Int32
}

func (f *faultyRecords) Begin(ctx context.Context) (store.RecordTx, error) {
	tx, err := f.RecordStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{RecordTx: tx, parent: f}, nil
}

type faultyTx struct {
	store.RecordTx
	parent *faultyRecords
}

func (t *faultyTx) Commit(ctx context.Context) error {
	if t.parent.commitFailures.Add(-1) >= 0 {
		_ = t.RecordTx.Rollback(ctx)
		return errInjected
	}
	return t.RecordTx.Commit(ctx)
}

func (t *faultyTx) Delete(ctx context.Context, id int64) error {
	if t.parent.deleteFailures.Add(-1) >= 0 {
		return errInjected
	}
	return t.RecordTx.Delete(ctx, id)
}

type fixture struct {
	coord   *Coordinator
	records *faultyRecords
	vectors *faultyVectors
	embeds  *atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	records := &faultyRecords{RecordStore: store.NewMemoryRecords()}
	vectors := &faultyVectors{VectorIndex: store.NewMemoryVectors()}
	var embeds atomic.Int32
	hash := embed.NewHashEmbedder(64)
	emb := embed.Func(func(ctx context.Context, text string) ([]float32, error) {
		embeds.Add(1)
		return hash.Embed(ctx, text)
	})
	clock := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	coord := New(records, vectors, emb, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    func() time.Time { return clock },
	})
	return &fixture{coord: coord, records: records, vectors: vectors, embeds: &embeds}
}

func sampleRecord() task.Record {
	due := time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC)
	return task.Record{
		Title:       "Prepare quarterly report",
		Description: "Collect numbers from finance",
		Category:    task.CategoryWork,
		Priority:    task.PriorityHigh,
		Status:      task.StatusOpen,
		DueDate:     &due,
		RawText:     "prepare the quarterly report by friday",
	}
}

func strp(s string) *string { return &s }

func TestCreateWritesBothStores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.coord.Create(ctx, sampleRecord())
	require.NoError(t, err)
	require.Positive(t, id)

	got, err := f.coord.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Prepare quarterly report", got.Title)
	assert.Equal(t, id, got.ID)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Equal(t, got.CreatedAt, got.UpdatedAt)

	entry, err := f.vectors.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.CanonicalText(got), entry.Text)
	assert.NotEmpty(t, entry.Vector)
}

func TestCreateRejectsInvalidRecord(t *testing.T) {
	f := newFixture(t)
	r := sampleRecord()
	r.Title = "  "
	r.Priority = "urgent-ish"

	_, err := f.coord.Create(context.Background(), r)
	var ve *task.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.GreaterOrEqual(t, len(ve.Violations), 2)
	assert.Zero(t, f.vectors.upserts.Load())
}

func TestCreateVectorFailureRollsBackRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vectors.failUpsert.Store(true)

	_, err := f.coord.Create(ctx, sampleRecord())
	var swe *task.StoreWriteError
	require.ErrorAs(t, err, &swe)
	assert.Equal(t, task.StoreVector, swe.Store)
	assert.True(t, swe.RolledBack)
	assert.ErrorIs(t, err, errInjected)

	ids, err := f.records.IDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCreateCommitFailureRemovesVector(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.commitFailures.Store(1)

	_, err := f.coord.Create(ctx, sampleRecord())
	var swe *task.StoreWriteError
	require.ErrorAs(t, err, &swe)
	assert.Equal(t, task.StoreRelational, swe.Store)
	assert.True(t, swe.RolledBack)

	_, err = f.vectors.Get(ctx, swe.ID)
	assert.ErrorIs(t, err, task.ErrNotFound)
	report, err := f.coord.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
}

func TestPatchStatusKeepsEmbedding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.coord.Create(ctx, sampleRecord())
	require.NoError(t, err)
	before, err := f.vectors.Get(ctx, id)
	require.NoError(t, err)
	created, err := f.coord.Get(ctx, id)
	require.NoError(t, err)
	embeds := f.embeds.Load()

	updated, err := f.coord.Patch(ctx, id, task.Patch{Status: strp("done")})
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, updated.Status)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.Equal(t, embeds, f.embeds.Load(), "status change must not re-embed")

	after, err := f.vectors.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPatchTitleReembeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.coord.Create(ctx, sampleRecord())
	require.NoError(t, err)

	updated, err := f.coord.Patch(ctx, id, task.Patch{Title: strp("Buy milk")})
	require.NoError(t, err)

	entry, err := f.vectors.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.CanonicalText(updated), entry.Text)
	assert.Contains(t, entry.Text, "Buy milk")
}

func TestPatchValidationLeavesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.coord.Create(ctx, sampleRecord())
	require.NoError(t, err)

	_, err = f.coord.Patch(ctx, id, task.Patch{Priority: strp("eventually-maybe")})
	var ve *task.ValidationError
	require.ErrorAs(t, err, &ve)

	got, err := f.coord.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.PriorityHigh, got.Priority)
}

func TestPatchVectorFailureKeepsOldState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.coord.Create(ctx, sampleRecord())
	require.NoError(t, err)
	before, err := f.vectors.Get(ctx, id)
	require.NoError(t, err)

	f.vectors.failUpsert.Store(true)
	_, err = f.coord.Patch(ctx, id, task.Patch{Title: strp("Something else")})
	var swe *task.StoreWriteError
	require.ErrorAs(t, err, &swe)
	assert.Equal(t, task.StoreVector, swe.Store)

	got, err := f.coord.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Prepare quarterly report", got.Title)
	after, err := f.vectors.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPatchCommitFailureRestoresVector(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.coord.Create(ctx, sampleRecord())
	require.NoError(t, err)
	before, err := f.vectors.Get(ctx, id)
	require.NoError(t, err)

	f.records.commitFailures.Store(1)
	_, err = f.coord.Patch(ctx, id, task.Patch{Title: strp("Something else")})
	var swe *task.StoreWriteError
	require.ErrorAs(t, err, &swe)
	assert.Equal(t, task.StoreRelational, swe.Store)
	assert.True(t, swe.RolledBack)

	after, err := f.vectors.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPatchMissingAndEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.Patch(ctx, 99, task.Patch{Status: strp("done")})
	assert.ErrorIs(t, err, task.ErrNotFound)

	id, err := f.coord.Create(ctx, sampleRecord())
	require.NoError(t, err)
	cur, err := f.coord.Get(ctx, id)
	require.NoError(t, err)
	same, err := f.coord.Patch(ctx, id, task.Patch{})
	require.NoError(t, err)
	assert.Equal(t, cur, same)
}

func TestDeleteTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.coord.Create(ctx, sampleRecord())
	require.NoError(t, err)

	require.NoError(t, f.coord.Delete(ctx, id))
	deletes := f.vectors.deletes.Load()

	err = f.coord.Delete(ctx, id)
	assert.ErrorIs(t, err, task.ErrNotFound)
	assert.Equal(t, deletes, f.vectors.deletes.Load(), "second delete must not touch the vector store")

	_, err = f.coord.Get(ctx, id)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestDeleteVectorFailureKeepsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.coord.Create(ctx, sampleRecord())
	require.NoError(t, err)

	f.vectors.failDelete.Store(true)
	err = f.coord.Delete(ctx, id)
	var swe *task.StoreWriteError
	require.ErrorAs(t, err, &swe)
	assert.Equal(t, task.StoreVector, swe.Store)

	_, err = f.coord.Get(ctx, id)
	assert.NoError(t, err)
}

func TestDeleteRetriesRelationalFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.coord.Create(ctx, sampleRecord())
	require.NoError(t, err)

	f.records.deleteFailures.Store(1)
	require.NoError(t, f.coord.Delete(ctx, id))
	_, err = f.coord.Get(ctx, id)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestDeleteReportsInconsistency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.coord.Create(ctx, sampleRecord())
	require.NoError(t, err)

	f.records.deleteFailures.Store(2)
	err = f.coord.Delete(ctx, id)
	var inc *task.InconsistencyError
	require.ErrorAs(t, err, &inc)
	assert.Equal(t, id, inc.ID)
	assert.ErrorIs(t, err, errInjected)

	report, err := f.coord.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, report.MissingVectors)

	fixed, err := f.coord.Reconcile(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)
	report, err = f.coord.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
}

func TestAuditFindsOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.coord.Create(ctx, sampleRecord())
	require.NoError(t, err)
	require.NoError(t, f.vectors.VectorIndex.Upsert(ctx, task.VectorEntry{ID: 42, Vector: []float32{1}}))

	report, err := f.coord.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Records)
	assert.Equal(t, 2, report.Vectors)
	assert.Equal(t, []int64{42}, report.OrphanVectors)
	assert.Empty(t, report.MissingVectors)

	fixed, err := f.coord.Reconcile(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)
	_, err = f.vectors.Get(ctx, id)
	assert.NoError(t, err)
	_, err = f.vectors.Get(ctx, 42)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestPurgeAndReindex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := f.coord.Create(ctx, sampleRecord())
		require.NoError(t, err)
	}

	n, err := f.coord.Reindex(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	removed, err := f.coord.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, removed)
	report, err := f.coord.Audit(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Records)
	assert.Zero(t, report.Vectors)
}

func TestConcurrentPatchesSerialise(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.coord.Create(ctx, sampleRecord())
	require.NoError(t, err)

	titles := []string{"alpha", "beta", "gamma", "delta"}
	var wg sync.WaitGroup
	for _, title := range titles {
		wg.Add(1)
		go func(title string) {
			defer wg.Done()
			_, err := f.coord.Patch(ctx, id, task.Patch{Title: strp(title)})
			assert.NoError(t, err)
		}(title)
	}
	wg.Wait()

	got, err := f.coord.Get(ctx, id)
	require.NoError(t, err)
	entry, err := f.vectors.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.CanonicalText(got), entry.Text, "vector entry must match the last committed title")
	assert.Zero(t, f.coord.locks.size())
}

func TestKeyedMutexExcludes(t *testing.T) {
	k := newKeyedMutex()
	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(7)
			n := inside.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
	assert.Zero(t, k.size())
}

func TestConcurrentCreatesEmbedOutsideTransaction(t *testing.T) {
	ctx := context.Background()
	records, err := store.OpenSQLiteRecords(ctx, filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = records.Close() })

	var inFlight, peak atomic.Int32
	hash := embed.NewHashEmbedder(64)
	slow := embed.Func(func(ctx context.Context, text string) ([]float32, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(200 * time.Millisecond)
		return hash.Embed(ctx, text)
	})
	coord := New(records, store.NewMemoryVectors(), slow, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	const writers = 6
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = coord.Create(ctx, sampleRecord())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "create %d", i)
	}
	assert.Greater(t, peak.Load(), int32(1), "embedding calls should overlap")
	report, err := coord.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers, report.Records)
	assert.True(t, report.Consistent())
}

func TestPatchRestartsWhenRowChangesDuringEmbedding(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryRecords()
	vectors := store.NewMemoryVectors()
	hash := embed.NewHashEmbedder(64)

	var (
		id      int64
		touched atomic.Bool
	)
	emb := embed.Func(func(ctx context.Context, text string) ([]float32, error) {
		// Another process edits the row while the first patch is embedding.
		if id != 0 && touched.CompareAndSwap(false, true) {
			tx, err := records.Begin(ctx)
			require.NoError(t, err)
			cur, err := tx.Get(ctx, id)
			require.NoError(t, err)
			cur.Description = "Numbers are in the shared drive"
			cur.UpdatedAt = cur.UpdatedAt.Add(time.Second)
			require.NoError(t, tx.Update(ctx, cur))
			require.NoError(t, tx.Commit(ctx))
		}
		return hash.Embed(ctx, text)
	})
	coord := New(records, vectors, emb, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	var err error
	id, err = coord.Create(ctx, sampleRecord())
	require.NoError(t, err)

	updated, err := coord.Patch(ctx, id, task.Patch{Title: strp("Prepare annual report")})
	require.NoError(t, err)
	assert.True(t, touched.Load())
	assert.Equal(t, "Prepare annual report", updated.Title)
	assert.Equal(t, "Numbers are in the shared drive", updated.Description)

	entry, err := vectors.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.CanonicalText(updated), entry.Text)
}
