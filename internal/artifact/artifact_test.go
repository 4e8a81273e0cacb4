package artifact

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptc/internal/contract"
)

func TestComputeID(t *testing.T) {
	params := contract.Params{
		InstructionVariant: "base",
		FewShotIDs:         []string{"fs1", "fs2"},
		Strategy:           contract.StrategyDirect,
	}

	t.Run("stable across repeated computation", func(t *testing.T) {
		a, err := ComputeID("qa/Answer.v1", params, "irhash", "outhash")
		require.NoError(t, err)
		b, err := ComputeID("qa/Answer.v1", params, "irhash", "outhash")
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("changes when any field changes", func(t *testing.T) {
		base, err := ComputeID("qa/Answer.v1", params, "irhash", "outhash")
		require.NoError(t, err)

		changed := params
		changed.Model.Temperature = 0.3
		withTemp, err := ComputeID("qa/Answer.v1", changed, "irhash", "outhash")
		require.NoError(t, err)
		assert.NotEqual(t, base, withTemp)

		otherIR, err := ComputeID("qa/Answer.v1", params, "irhash2", "outhash")
		require.NoError(t, err)
		assert.NotEqual(t, base, otherIR)

		otherSig, err := ComputeID("qa/Answer.v2", params, "irhash", "outhash")
		require.NoError(t, err)
		assert.NotEqual(t, base, otherSig)
	})

	t.Run("evaluation evidence does not affect identity", func(t *testing.T) {
		sig := &contract.Signature{
			ID:           "qa/Answer.v1",
			InputSchema:  &contract.Schema{Type: "object"},
			OutputSchema: &contract.Schema{Type: "object"},
			Prompt: contract.PromptIR{
				Version: contract.IRVersion,
				Blocks:  []contract.Block{{Kind: contract.BlockInstruction, Text: "answer"}},
			},
			Defaults: contract.Params{Strategy: contract.StrategyDirect},
		}
		a, err := New(sig, params)
		require.NoError(t, err)

		b, err := New(sig, params)
		require.NoError(t, err)
		b.Eval = EvalSummary{HoldoutScore: 0.99, MetricID: "exact_match"}

		assert.Equal(t, a.CompiledID, b.CompiledID)
	})
}

func TestMemStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	a := &CompiledArtifact{SignatureID: "qa/Answer.v1", CompiledID: "c_abc"}
	require.NoError(t, store.Put(ctx, a))

	t.Run("get returns a copy", func(t *testing.T) {
		got, err := store.Get(ctx, "c_abc")
		require.NoError(t, err)
		got.SignatureID = "mutated"

		again, err := store.Get(ctx, "c_abc")
		require.NoError(t, err)
		assert.Equal(t, "qa/Answer.v1", again.SignatureID)
	})

	t.Run("unknown id is ErrNotFound", func(t *testing.T) {
		_, err := store.Get(ctx, "c_missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("re-put of same id is a no-op", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, a))
		list, err := store.ListBySignature(ctx, "qa/Answer.v1")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("id collision across signatures is rejected", func(t *testing.T) {
		err := store.Put(ctx, &CompiledArtifact{SignatureID: "qa/Other.v1", CompiledID: "c_abc"})
		assert.Error(t, err)
	})
}
