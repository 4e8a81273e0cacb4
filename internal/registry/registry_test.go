package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptc/internal/artifact"
)

type fakeScores struct {
	scores map[string]float64
}

func (f *fakeScores) HoldoutScore(_ context.Context, _, compiledID string) (float64, bool, error) {
	s, ok := f.scores[compiledID]
	return s, ok, nil
}

func newTestRegistry(t *testing.T, scores map[string]float64, ids ...string) (*Registry, *MemStore) {
	t.Helper()
	artifacts := artifact.NewMemStore()
	for _, id := range ids {
		require.NoError(t, artifacts.Put(context.Background(), &artifact.CompiledArtifact{
			SignatureID: "qa/Answer.v1",
			CompiledID:  id,
		}))
	}
	store := NewMemStore()
	return New(store, artifacts, &fakeScores{scores: scores}), store
}

func TestPromote(t *testing.T) {
	ctx := context.Background()

	t.Run("first promotion installs pointer", func(t *testing.T) {
		reg, _ := newTestRegistry(t, map[string]float64{"c_a": 0.8}, "c_a")

		require.NoError(t, reg.Promote(ctx, "qa/Answer.v1", "c_a", Gate{RequireHoldout: true}))

		p, err := reg.Resolve(ctx, "qa/Answer.v1")
		require.NoError(t, err)
		assert.Equal(t, "c_a", p.ActiveID)
		assert.Equal(t, int64(1), p.Version)
	})

	t.Run("gate rejects insufficient improvement", func(t *testing.T) {
		reg, _ := newTestRegistry(t, map[string]float64{"c_a": 0.80, "c_b": 0.82}, "c_a", "c_b")
		require.NoError(t, reg.Promote(ctx, "qa/Answer.v1", "c_a", Gate{}))

		// Improvement of 0.02 against a required delta of 0.05.
		err := reg.Promote(ctx, "qa/Answer.v1", "c_b", Gate{MinHoldoutDelta: 0.05})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrGateFailure))

		// Pointer unchanged.
		p, err := reg.Resolve(ctx, "qa/Answer.v1")
		require.NoError(t, err)
		assert.Equal(t, "c_a", p.ActiveID)
	})

	t.Run("gate passes sufficient improvement", func(t *testing.T) {
		reg, _ := newTestRegistry(t, map[string]float64{"c_a": 0.80, "c_b": 0.90}, "c_a", "c_b")
		require.NoError(t, reg.Promote(ctx, "qa/Answer.v1", "c_a", Gate{}))
		require.NoError(t, reg.Promote(ctx, "qa/Answer.v1", "c_b", Gate{MinHoldoutDelta: 0.05}))

		p, err := reg.Resolve(ctx, "qa/Answer.v1")
		require.NoError(t, err)
		assert.Equal(t, "c_b", p.ActiveID)
	})

	t.Run("re-promoting the active id cannot clear a positive delta", func(t *testing.T) {
		reg, _ := newTestRegistry(t, map[string]float64{"c_a": 0.80}, "c_a")
		require.NoError(t, reg.Promote(ctx, "qa/Answer.v1", "c_a", Gate{}))

		err := reg.Promote(ctx, "qa/Answer.v1", "c_a", Gate{MinHoldoutDelta: 0.05})
		assert.True(t, errors.Is(err, ErrGateFailure))
	})

	t.Run("unscored active blocks a delta-gated promotion", func(t *testing.T) {
		reg, _ := newTestRegistry(t, map[string]float64{"c_b": 0.90}, "c_a", "c_b")
		require.NoError(t, reg.Promote(ctx, "qa/Answer.v1", "c_a", Gate{}))

		// The delta gate has no baseline to compare against, so a scored
		// candidate cannot displace the unscored active under a gate.
		err := reg.Promote(ctx, "qa/Answer.v1", "c_b", Gate{MinHoldoutDelta: 0.05})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrGateFailure))

		p, err := reg.Resolve(ctx, "qa/Answer.v1")
		require.NoError(t, err)
		assert.Equal(t, "c_a", p.ActiveID)
	})

	t.Run("unknown artifact is surfaced, no fallback", func(t *testing.T) {
		reg, _ := newTestRegistry(t, nil)
		err := reg.Promote(ctx, "qa/Answer.v1", "c_ghost", Gate{})
		assert.True(t, errors.Is(err, artifact.ErrNotFound))
	})

	t.Run("missing holdout report fails a gated promotion", func(t *testing.T) {
		reg, _ := newTestRegistry(t, nil, "c_a")
		err := reg.Promote(ctx, "qa/Answer.v1", "c_a", Gate{RequireHoldout: true})
		assert.True(t, errors.Is(err, ErrGateFailure))
	})
}

func TestRollback_RoundTrip(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, map[string]float64{"c_a": 0.8, "c_b": 0.95}, "c_a", "c_b")

	require.NoError(t, reg.Promote(ctx, "qa/Answer.v1", "c_a", Gate{}))
	before, err := reg.Resolve(ctx, "qa/Answer.v1")
	require.NoError(t, err)

	require.NoError(t, reg.Promote(ctx, "qa/Answer.v1", "c_b", Gate{MinHoldoutDelta: 0.05}))
	require.NoError(t, reg.Rollback(ctx, "qa/Answer.v1"))

	after, err := reg.Resolve(ctx, "qa/Answer.v1")
	require.NoError(t, err)
	assert.Equal(t, before.ActiveID, after.ActiveID)
	assert.Equal(t, before.Canary, after.Canary)
	// Rollback is itself a write, so the version token advances.
	assert.Greater(t, after.Version, before.Version)
}

func TestCanaryLifecycle(t *testing.T) {
	ctx := context.Background()

	start := func(t *testing.T) *Registry {
		reg, _ := newTestRegistry(t, map[string]float64{"c_a": 0.8, "c_b": 0.85}, "c_a", "c_b")
		require.NoError(t, reg.Promote(ctx, "qa/Answer.v1", "c_a", Gate{}))
		require.NoError(t, reg.StartCanary(ctx, "qa/Answer.v1", "c_b", 10, 50, 0.2))
		return reg
	}

	t.Run("status reflects baseline and counters", func(t *testing.T) {
		reg := start(t)
		st, err := reg.CanaryStatus(ctx, "qa/Answer.v1")
		require.NoError(t, err)
		assert.Equal(t, "c_b", st.CompiledID)
		assert.Equal(t, 10, st.RolloutPct)
		assert.InDelta(t, 0.8, st.BaselineScore, 1e-9)
		assert.Zero(t, st.Samples)
	})

	t.Run("healthy canary survives min samples", func(t *testing.T) {
		reg := start(t)
		// 50 samples with 2 errors: 4% error rate, under the 20% ceiling.
		for i := 0; i < 50; i++ {
			reverted, err := reg.RecordCanarySample(ctx, "qa/Answer.v1", i < 2)
			require.NoError(t, err)
			assert.False(t, reverted)
		}
		st, err := reg.CanaryStatus(ctx, "qa/Answer.v1")
		require.NoError(t, err)
		assert.Equal(t, int64(50), st.Samples)
		assert.Equal(t, int64(2), st.Errors)
	})

	t.Run("error rate above ceiling triggers auto-stop", func(t *testing.T) {
		reg := start(t)
		for i := 0; i < 50; i++ {
			_, err := reg.RecordCanarySample(ctx, "qa/Answer.v1", i < 2)
			require.NoError(t, err)
		}

		// Push failures until the rate crosses 20%; the revert must happen
		// on the sample that crosses, not on any timer.
		var reverted bool
		for i := 0; i < 20 && !reverted; i++ {
			var err error
			reverted, err = reg.RecordCanarySample(ctx, "qa/Answer.v1", true)
			require.NoError(t, err)
		}
		require.True(t, reverted)

		// All traffic reverts to the prior active artifact.
		p, err := reg.Resolve(ctx, "qa/Answer.v1")
		require.NoError(t, err)
		assert.Nil(t, p.Canary)
		assert.Equal(t, "c_a", p.ActiveID)

		_, err = reg.CanaryStatus(ctx, "qa/Answer.v1")
		assert.True(t, errors.Is(err, ErrNoCanary))
	})

	t.Run("stop removes canary", func(t *testing.T) {
		reg := start(t)
		require.NoError(t, reg.StopCanary(ctx, "qa/Answer.v1"))
		_, err := reg.CanaryStatus(ctx, "qa/Answer.v1")
		assert.True(t, errors.Is(err, ErrNoCanary))
	})

	t.Run("canary without active control is rejected", func(t *testing.T) {
		reg, _ := newTestRegistry(t, map[string]float64{"c_b": 0.85}, "c_b")
		err := reg.StartCanary(ctx, "qa/Answer.v1", "c_b", 10, 50, 0.2)
		assert.Error(t, err)
	})
}

func TestRoute_DeterministicBucketing(t *testing.T) {
	p := &Pointer{
		SignatureID: "qa/Answer.v1",
		ActiveID:    "c_a",
		Canary:      &CanaryState{CompiledID: "c_b", RolloutPct: 10},
	}

	var canaryHits int
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("req-%d", i)
		id1, via1 := Route(p, key)
		id2, via2 := Route(p, key)
		assert.Equal(t, id1, id2, "routing must be stable per request key")
		assert.Equal(t, via1, via2)
		if via1 {
			canaryHits++
		}
	}
	// Roughly 10% of keys should land in the canary bucket.
	assert.Greater(t, canaryHits, 50)
	assert.Less(t, canaryHits, 200)
}

func TestCompareAndSwap_IndependentSignatures(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	// Writers on unrelated signatures run concurrently and all win.
	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sig := fmt.Sprintf("s/Sig%d.v1", i)
			errs[i] = store.CompareAndSwap(ctx, 0, &Pointer{SignatureID: sig, ActiveID: "c_1"})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "signature %d", i)
	}

	// Racing writers on one signature still produce exactly one winner
	// per version.
	var conflicts atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.CompareAndSwap(ctx, 1, &Pointer{SignatureID: "s/Sig0.v1", ActiveID: "c_2"})
			if errors.Is(err, ErrConflict) {
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(7), conflicts.Load())

	p, err := store.Get(ctx, "s/Sig0.v1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Version)
	assert.Equal(t, "c_2", p.ActiveID)
}

func TestCompareAndSwap_Conflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	require.NoError(t, store.CompareAndSwap(ctx, 0, &Pointer{SignatureID: "s/X.v1", ActiveID: "c_1"}))

	// A writer holding a stale version loses.
	err := store.CompareAndSwap(ctx, 0, &Pointer{SignatureID: "s/X.v1", ActiveID: "c_2"})
	assert.True(t, errors.Is(err, ErrConflict))

	p, err := store.Get(ctx, "s/X.v1")
	require.NoError(t, err)
	assert.Equal(t, "c_1", p.ActiveID)
}
