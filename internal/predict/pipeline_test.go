package predict

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptc/internal/artifact"
	"promptc/internal/budget"
	"promptc/internal/contract"
	"promptc/internal/llm"
	"promptc/internal/registry"
)

type pipelineFixture struct {
	pipeline  *Pipeline
	catalog   *contract.Catalog
	reg       *registry.Registry
	artifacts *artifact.MemStore
	model     *llm.StaticClient
	receipts  *budget.MemorySink
	sig       *contract.Signature
}

type pinnedScores struct{ scores map[string]float64 }

func (s *pinnedScores) HoldoutScore(_ context.Context, _, compiledID string) (float64, bool, error) {
	v, ok := s.scores[compiledID]
	return v, ok, nil
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	sig := testSignature()
	catalog := contract.NewCatalog()
	require.NoError(t, catalog.Register(sig))

	artifacts := artifact.NewMemStore()
	reg := registry.New(registry.NewMemStore(), artifacts, &pinnedScores{scores: map[string]float64{}})
	model := llm.NewStaticClient()
	receipts := &budget.MemorySink{}

	return &pipelineFixture{
		pipeline:  New(catalog, reg, artifacts, model, receipts, nil, Options{}),
		catalog:   catalog,
		reg:       reg,
		artifacts: artifacts,
		model:     model,
		receipts:  receipts,
		sig:       sig,
	}
}

func TestPredict_DefaultsWithoutPointer(t *testing.T) {
	f := newFixture(t)
	f.model.Queue(`{"answer":"Paris"}`)

	out, receipt, err := f.pipeline.Predict(context.Background(), "qa/Answer.v1",
		map[string]any{"question": "capital of France?"}, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "Paris", out["answer"])

	require.NotNil(t, receipt)
	assert.Nil(t, receipt.CompiledID, "no pointer means defaults and a nil compiled_id")
	assert.Equal(t, budget.OutcomeSuccess, receipt.Outcome)
	assert.Equal(t, int64(1), receipt.Usage.ModelCalls)
	assert.NotEmpty(t, receipt.PromptHash)
	assert.NotEmpty(t, receipt.OutputHash)
	assert.Len(t, f.receipts.Receipts(), 1)
}

func TestPredict_ResolvesPromotedArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	art, err := artifact.New(f.sig, contract.Params{
		InstructionVariant: "stepwise",
		Strategy:           contract.StrategyDirect,
	})
	require.NoError(t, err)
	require.NoError(t, f.artifacts.Put(ctx, art))
	require.NoError(t, f.reg.Promote(ctx, f.sig.ID, art.CompiledID, registry.Gate{}))

	f.model.Queue(`{"answer":"Paris"}`)
	_, receipt, err := f.pipeline.Predict(ctx, f.sig.ID,
		map[string]any{"question": "capital of France?"}, "req-1")
	require.NoError(t, err)

	require.NotNil(t, receipt.CompiledID)
	assert.Equal(t, art.CompiledID, *receipt.CompiledID)

	reqs := f.model.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Prompt, "Answer step by step.")
}

func TestPredict_RepairLoop(t *testing.T) {
	t.Run("repairs a malformed response", func(t *testing.T) {
		f := newFixture(t)
		f.model.Queue(`not json at all`)
		f.model.Queue(`{"answer":"Paris"}`)

		out, receipt, err := f.pipeline.Predict(context.Background(), "qa/Answer.v1",
			map[string]any{"question": "q"}, "req-1")
		require.NoError(t, err)
		assert.Equal(t, "Paris", out["answer"])
		assert.Equal(t, int64(2), receipt.Usage.ModelCalls)
		assert.Equal(t, int64(1), receipt.Usage.RepairAttempts)

		reqs := f.model.Requests()
		assert.Contains(t, reqs[1].Prompt, "## Repair")
	})

	t.Run("exhausted repairs are a contract violation", func(t *testing.T) {
		f := newFixture(t)
		for i := 0; i < 3; i++ {
			f.model.Queue(`still not json`)
		}

		_, receipt, err := f.pipeline.Predict(context.Background(), "qa/Answer.v1",
			map[string]any{"question": "q"}, "req-1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrContractViolation))
		assert.Equal(t, budget.OutcomeContractViolation, receipt.Outcome)
		// 1 initial + 2 default repair attempts.
		assert.Equal(t, int64(3), receipt.Usage.ModelCalls)
	})
}

func TestPredict_BudgetCeilings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	art, err := artifact.New(f.sig, contract.Params{
		Strategy: contract.StrategyDirect,
		Budgets:  budget.Limits{MaxModelCalls: 1, MaxRepairAttempts: 3},
	})
	require.NoError(t, err)
	require.NoError(t, f.artifacts.Put(ctx, art))
	require.NoError(t, f.reg.Promote(ctx, f.sig.ID, art.CompiledID, registry.Gate{}))

	f.model.Queue(`broken`)

	_, receipt, err := f.pipeline.Predict(ctx, f.sig.ID, map[string]any{"question": "q"}, "req-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, budget.ErrBudgetExceeded))
	assert.Equal(t, budget.OutcomeBudgetExceeded, receipt.Outcome)
	assert.Equal(t, int64(1), receipt.Usage.ModelCalls, "ceiling is never exceeded")
}

func TestPredict_ProviderFailureReceipt(t *testing.T) {
	f := newFixture(t)
	f.model.QueueError(&llm.ProviderError{Provider: "static", Cause: fmt.Errorf("down")})

	_, receipt, err := f.pipeline.Predict(context.Background(), "qa/Answer.v1",
		map[string]any{"question": "q"}, "req-1")
	require.Error(t, err)
	assert.Equal(t, budget.OutcomeProviderFailure, receipt.Outcome)
	assert.NotEmpty(t, receipt.ErrorDetail)
	assert.Len(t, f.receipts.Receipts(), 1, "failures still produce a receipt")
}

func TestPredict_DanglingPointerStillEmitsReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A pointer written around the registry's artifact check, referencing
	// an id that was never stored.
	ptrs := registry.NewMemStore()
	require.NoError(t, ptrs.CompareAndSwap(ctx, 0,
		&registry.Pointer{SignatureID: f.sig.ID, ActiveID: "c_missing"}))
	pipeline := New(f.catalog, registry.New(ptrs, f.artifacts, &pinnedScores{}),
		f.artifacts, f.model, f.receipts, nil, Options{})

	_, receipt, err := pipeline.Predict(ctx, "qa/Answer.v1",
		map[string]any{"question": "q"}, "req-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, artifact.ErrNotFound))

	require.NotNil(t, receipt)
	assert.Equal(t, budget.OutcomeArtifactNotFound, receipt.Outcome)
	require.NotNil(t, receipt.CompiledID)
	assert.Equal(t, "c_missing", *receipt.CompiledID)
	assert.Len(t, f.receipts.Receipts(), 1, "resolution failures are auditable")
	assert.Equal(t, int64(0), receipt.Usage.ModelCalls, "no provider call without an artifact")
}

func TestPredict_InvalidInputIsContractViolation(t *testing.T) {
	f := newFixture(t)

	_, receipt, err := f.pipeline.Predict(context.Background(), "qa/Answer.v1",
		map[string]any{"nonsense": 1}, "req-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrContractViolation))
	assert.Equal(t, budget.OutcomeContractViolation, receipt.Outcome)
	assert.Equal(t, int64(0), receipt.Usage.ModelCalls, "no provider call on bad input")
}

func TestPredict_CanaryRouting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	control, err := artifact.New(f.sig, contract.Params{Strategy: contract.StrategyDirect})
	require.NoError(t, err)
	candidate, err := artifact.New(f.sig, contract.Params{
		InstructionVariant: "stepwise", Strategy: contract.StrategyDirect,
	})
	require.NoError(t, err)
	require.NoError(t, f.artifacts.Put(ctx, control))
	require.NoError(t, f.artifacts.Put(ctx, candidate))

	scores := &pinnedScores{scores: map[string]float64{control.CompiledID: 0.8}}
	reg := registry.New(registry.NewMemStore(), f.artifacts, scores)
	pipeline := New(f.catalog, reg, f.artifacts, f.model, f.receipts, nil, Options{})

	require.NoError(t, reg.Promote(ctx, f.sig.ID, control.CompiledID, registry.Gate{}))
	require.NoError(t, reg.StartCanary(ctx, f.sig.ID, candidate.CompiledID, 50, 10, 0.5))

	// Find one request key per route.
	var canaryKey, controlKey string
	pointer, err := reg.Resolve(ctx, f.sig.ID)
	require.NoError(t, err)
	for i := 0; canaryKey == "" || controlKey == ""; i++ {
		key := fmt.Sprintf("req-%d", i)
		if _, via := registry.Route(pointer, key); via {
			if canaryKey == "" {
				canaryKey = key
			}
		} else if controlKey == "" {
			controlKey = key
		}
	}

	f.model.Queue(`{"answer":"a"}`)
	_, receipt, err := pipeline.Predict(ctx, f.sig.ID, map[string]any{"question": "q"}, canaryKey)
	require.NoError(t, err)
	assert.Equal(t, candidate.CompiledID, *receipt.CompiledID)

	st, err := reg.CanaryStatus(ctx, f.sig.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Samples, "canary-routed call recorded a sample")

	f.model.Queue(`{"answer":"a"}`)
	_, receipt, err = pipeline.Predict(ctx, f.sig.ID, map[string]any{"question": "q"}, controlKey)
	require.NoError(t, err)
	assert.Equal(t, control.CompiledID, *receipt.CompiledID)

	st, err = reg.CanaryStatus(ctx, f.sig.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Samples, "control-routed call records no sample")
}
