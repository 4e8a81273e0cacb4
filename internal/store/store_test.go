package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptc/internal/artifact"
	"promptc/internal/budget"
	"promptc/internal/contract"
	"promptc/internal/eval"
	"promptc/internal/registry"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "promptc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func storedArtifact(t *testing.T, suffix string) *artifact.CompiledArtifact {
	t.Helper()
	sig := &contract.Signature{
		ID:           "qa/Answer.v1",
		InputSchema:  &contract.Schema{Type: "object"},
		OutputSchema: &contract.Schema{Type: "object"},
		Prompt: contract.PromptIR{
			Version: contract.IRVersion,
			Blocks:  []contract.Block{{Kind: contract.BlockInstruction, Text: "Answer " + suffix}},
		},
	}
	a, err := artifact.New(sig, contract.Params{Strategy: contract.StrategyDirect})
	require.NoError(t, err)
	return a
}

func TestArtifacts_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	arts := s.Artifacts()

	a := storedArtifact(t, "v1")
	require.NoError(t, arts.Put(ctx, a))

	got, err := arts.Get(ctx, a.CompiledID)
	require.NoError(t, err)
	assert.Equal(t, a.CompiledID, got.CompiledID)
	assert.Equal(t, a.Params.Strategy, got.Params.Strategy)

	// Re-put of the same id is a no-op.
	require.NoError(t, arts.Put(ctx, a))
	list, err := arts.ListBySignature(ctx, "qa/Answer.v1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = arts.Get(ctx, "c_missing")
	assert.ErrorIs(t, err, artifact.ErrNotFound)

	// The same id may never be claimed by another signature.
	clash := *a
	clash.SignatureID = "qa/Other.v1"
	assert.Error(t, arts.Put(ctx, &clash))
}

func TestPointers_CompareAndSwap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ptrs := s.Pointers()

	_, err := ptrs.Get(ctx, "qa/Answer.v1")
	assert.ErrorIs(t, err, registry.ErrNoPointer)

	p := &registry.Pointer{SignatureID: "qa/Answer.v1", ActiveID: "c_a"}
	require.NoError(t, ptrs.CompareAndSwap(ctx, 0, p))

	got, err := ptrs.Get(ctx, "qa/Answer.v1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "c_a", got.ActiveID)

	// A stale version loses.
	stale := &registry.Pointer{SignatureID: "qa/Answer.v1", ActiveID: "c_b"}
	assert.ErrorIs(t, ptrs.CompareAndSwap(ctx, 0, stale), registry.ErrConflict)

	require.NoError(t, ptrs.CompareAndSwap(ctx, 1, &registry.Pointer{SignatureID: "qa/Answer.v1", ActiveID: "c_b"}))

	history, err := ptrs.History(ctx, "qa/Answer.v1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "c_b", history[0].ActiveID, "history is newest first")
	assert.Equal(t, "c_a", history[1].ActiveID)
}

func TestPointers_ConcurrentIndependentSignatures(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ptrs := s.Pointers()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sig := fmt.Sprintf("s/Sig%d.v1", i)
			errs[i] = ptrs.CompareAndSwap(ctx, 0, &registry.Pointer{SignatureID: sig, ActiveID: "c_a"})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "signature %d", i)
		got, err := ptrs.Get(ctx, fmt.Sprintf("s/Sig%d.v1", i))
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
	}
}

func TestPointers_CanarySurvivesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ptrs := s.Pointers()

	p := &registry.Pointer{
		SignatureID: "qa/Answer.v1",
		ActiveID:    "c_a",
		Canary:      &registry.CanaryState{CompiledID: "c_b", RolloutPct: 10, MinSamples: 50, MaxErrorRate: 0.2, BaselineScore: 0.8},
	}
	require.NoError(t, ptrs.CompareAndSwap(ctx, 0, p))

	got, err := ptrs.Get(ctx, "qa/Answer.v1")
	require.NoError(t, err)
	require.NotNil(t, got.Canary)
	assert.Equal(t, "c_b", got.Canary.CompiledID)
	assert.Equal(t, 10, got.Canary.RolloutPct)
}

func TestReceipts_RecordAndFetch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := budget.NewReceipt("qa/Answer.v1", contract.StrategyDirect, budget.Limits{MaxModelCalls: 3})
	r.Outcome = budget.OutcomeSuccess
	r.InputJSON = `{"question":"2+2?"}`
	r.OutputJSON = `{"answer":"4"}`
	r.BlobIDs = []string{"b_abc"}
	require.NoError(t, s.Receipts().Record(ctx, r))

	got, err := s.GetReceipt(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Outcome, got.Outcome)
	assert.Equal(t, r.BlobIDs, got.BlobIDs)
	assert.Equal(t, int64(3), got.Limits.MaxModelCalls)

	// Receipts are immutable: a second record of the same id fails.
	assert.Error(t, s.Receipts().Record(ctx, r))

	_, err = s.GetReceipt(ctx, "nope")
	assert.ErrorIs(t, err, ErrReceiptNotFound)

	list, err := s.ListReceipts(ctx, "qa/Answer.v1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReports_CacheRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cache := s.Reports()

	key := eval.Key{SignatureID: "qa/Answer.v1", CompiledID: "c_a", DatasetHash: "d_1", Split: eval.SplitHoldout, MetricID: "exact_match"}
	_, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Put(ctx, &eval.Report{Key: key, Aggregate: 0.75, Count: 4}))

	got, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.75, got.Aggregate, 1e-9)

	// A different dataset hash is a different key.
	miss := key
	miss.DatasetHash = "d_2"
	_, ok, err = cache.Get(ctx, miss)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBlobs_ContentAddressed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	blobs := s.Blobs()

	a, err := blobs.Put(ctx, []byte("payload"), "text/plain")
	require.NoError(t, err)
	b, err := blobs.Put(ctx, []byte("payload"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID, "identical content shares one entry")
	assert.Equal(t, int64(7), a.Size)

	data, err := blobs.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestJobs_CacheRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	jobs := s.Jobs()

	_, ok, err := jobs.Get(ctx, "j_1", "d_1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, jobs.Put(ctx, "j_1", "d_1", "c_a"))
	id, ok, err := jobs.Get(ctx, "j_1", "d_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c_a", id)
}

func TestExportReceipt_IdempotentPerReceipt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := budget.NewReceipt("qa/Answer.v1", contract.StrategyDirect, budget.Limits{})
	r.Outcome = budget.OutcomeSuccess
	r.InputJSON = `{"question":"2+2?"}`
	r.OutputJSON = `{"answer":"4"}`

	exampleID, err := s.ExportReceipt(ctx, "qa-harvest", r, "", []string{"curated"})
	require.NoError(t, err)

	again, err := s.ExportReceipt(ctx, "qa-harvest", r, "", []string{"curated"})
	require.NoError(t, err)
	assert.Equal(t, exampleID, again)

	ds, err := s.LoadDataset(ctx, "qa-harvest")
	require.NoError(t, err)
	require.Len(t, ds.Examples, 1)
	assert.Equal(t, exampleID, ds.Examples[0].ID)
	assert.Equal(t, eval.SplitTrain, ds.Examples[0].Split, "empty split defaults to train")
	assert.Contains(t, ds.Examples[0].Tags, "curated")
	assert.Equal(t, "4", ds.Examples[0].Expected["answer"])

	// Failed runs never become training data.
	bad := budget.NewReceipt("qa/Answer.v1", contract.StrategyDirect, budget.Limits{})
	bad.Outcome = budget.OutcomeProviderFailure
	_, err = s.ExportReceipt(ctx, "qa-harvest", bad, "", nil)
	assert.Error(t, err)
}
