package registry

import (
	"context"
	"errors"
	"fmt"

	"promptc/internal/artifact"
	"promptc/internal/logging"
)

// ScoreSource resolves the holdout score recorded for an artifact. The
// admin layer wires this to the evaluation report cache; a lookup may
// trigger re-evaluation of the control artifact when starting a canary.
type ScoreSource interface {
	HoldoutScore(ctx context.Context, signatureID, compiledID string) (score float64, ok bool, err error)
}

// Gate is the promotion threshold supplied by the caller.
type Gate struct {
	MinHoldoutDelta float64
	RequireHoldout  bool
}

// Registry applies gated transitions to the pointer store.
type Registry struct {
	store     Store
	artifacts artifact.Store
	scores    ScoreSource
}

// New wires a registry.
func New(store Store, artifacts artifact.Store, scores ScoreSource) *Registry {
	return &Registry{store: store, artifacts: artifacts, scores: scores}
}

// Resolve returns the current pointer, or ErrNoPointer when the signature
// has never been promoted.
func (r *Registry) Resolve(ctx context.Context, signatureID string) (*Pointer, error) {
	return r.store.Get(ctx, signatureID)
}

// History returns pointer snapshots, newest first.
func (r *Registry) History(ctx context.Context, signatureID string, limit int) ([]*Pointer, error) {
	return r.store.History(ctx, signatureID, limit)
}

// Promote moves the active pointer to compiledID if the gate passes.
// The target must beat the currently active artifact's holdout score by at
// least gate.MinHoldoutDelta; otherwise the call fails with ErrGateFailure
// and the pointer is untouched. Promotion clears any running canary.
func (r *Registry) Promote(ctx context.Context, signatureID, compiledID string, gate Gate) error {
	log := logging.Get(logging.CategoryRegistry)

	target, err := r.artifacts.Get(ctx, compiledID)
	if err != nil {
		return err
	}
	if target.SignatureID != signatureID {
		return fmt.Errorf("%w: artifact %s belongs to %s", artifact.ErrNotFound, compiledID, target.SignatureID)
	}

	targetScore, targetOK, err := r.scores.HoldoutScore(ctx, signatureID, compiledID)
	if err != nil {
		return err
	}
	if !targetOK && (gate.RequireHoldout || gate.MinHoldoutDelta > 0) {
		return fmt.Errorf("%w: no holdout evaluation for %s", ErrGateFailure, compiledID)
	}

	current, err := r.store.Get(ctx, signatureID)
	var expectedVersion int64
	switch {
	case err == nil:
		expectedVersion = current.Version
		if current.ActiveID != "" {
			activeScore, activeOK, err := r.scores.HoldoutScore(ctx, signatureID, current.ActiveID)
			if err != nil {
				return err
			}
			// An unscored active gives the delta gate nothing to compare
			// against; a positive threshold cannot be satisfied blind.
			if !activeOK && gate.MinHoldoutDelta > 0 {
				return fmt.Errorf("%w: active artifact %s has no holdout evaluation to gate against",
					ErrGateFailure, current.ActiveID)
			}
			if activeOK && targetOK {
				delta := targetScore - activeScore
				if delta < gate.MinHoldoutDelta {
					return fmt.Errorf("%w: holdout delta %.4f below required %.4f",
						ErrGateFailure, delta, gate.MinHoldoutDelta)
				}
			}
		}
	case errors.Is(err, ErrNoPointer):
		// First promotion for this signature.
	default:
		return err
	}

	next := &Pointer{SignatureID: signatureID, ActiveID: compiledID}
	if err := r.store.CompareAndSwap(ctx, expectedVersion, next); err != nil {
		return err
	}
	log.Infow("promoted artifact",
		"signature", signatureID, "compiled_id", compiledID,
		"holdout_score", targetScore, "min_delta", gate.MinHoldoutDelta)
	return nil
}

// StartCanary begins routing rolloutPct percent of traffic to compiledID.
// The control artifact's holdout score must be resolvable to establish the
// baseline recorded in the canary state.
func (r *Registry) StartCanary(ctx context.Context, signatureID, compiledID string, rolloutPct int, minSamples int64, maxErrorRate float64) error {
	if rolloutPct < 1 || rolloutPct > 99 {
		return fmt.Errorf("rollout percent %d out of range [1,99]", rolloutPct)
	}
	if minSamples <= 0 {
		return fmt.Errorf("min samples must be positive")
	}
	if maxErrorRate <= 0 || maxErrorRate > 1 {
		return fmt.Errorf("max error rate %v out of range (0,1]", maxErrorRate)
	}

	target, err := r.artifacts.Get(ctx, compiledID)
	if err != nil {
		return err
	}
	if target.SignatureID != signatureID {
		return fmt.Errorf("%w: artifact %s belongs to %s", artifact.ErrNotFound, compiledID, target.SignatureID)
	}

	current, err := r.store.Get(ctx, signatureID)
	if err != nil {
		return fmt.Errorf("canary needs an active control artifact: %w", err)
	}
	if current.Canary != nil {
		return fmt.Errorf("canary already active for %s", signatureID)
	}

	baseline, ok, err := r.scores.HoldoutScore(ctx, signatureID, current.ActiveID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no holdout baseline for control %s", ErrGateFailure, current.ActiveID)
	}

	next := current.Clone()
	next.Canary = &CanaryState{
		CompiledID:    compiledID,
		RolloutPct:    rolloutPct,
		MinSamples:    minSamples,
		MaxErrorRate:  maxErrorRate,
		BaselineScore: baseline,
	}
	if err := r.store.CompareAndSwap(ctx, current.Version, next); err != nil {
		return err
	}
	logging.Get(logging.CategoryRegistry).Infow("canary started",
		"signature", signatureID, "compiled_id", compiledID,
		"rollout_pct", rolloutPct, "baseline", baseline)
	return nil
}

// StopCanary removes the canary pointer, reverting all traffic to the
// active artifact.
func (r *Registry) StopCanary(ctx context.Context, signatureID string) error {
	current, err := r.store.Get(ctx, signatureID)
	if err != nil {
		return err
	}
	if current.Canary == nil {
		return ErrNoCanary
	}
	next := current.Clone()
	next.Canary = nil
	if err := r.store.CompareAndSwap(ctx, current.Version, next); err != nil {
		return err
	}
	logging.Get(logging.CategoryRegistry).Infow("canary stopped", "signature", signatureID)
	return nil
}

// CanaryStatus returns the current canary counters.
func (r *Registry) CanaryStatus(ctx context.Context, signatureID string) (*CanaryState, error) {
	current, err := r.store.Get(ctx, signatureID)
	if err != nil {
		return nil, err
	}
	if current.Canary == nil {
		return nil, ErrNoCanary
	}
	c := *current.Canary
	return &c, nil
}

// maxSampleRetries bounds the CAS retry loop when concurrent predicts race
// on canary counters.
const maxSampleRetries = 16

// RecordCanarySample accumulates one canary-routed outcome and runs the
// auto-stop check. Once MinSamples is reached, an error rate above
// MaxErrorRate tears the canary down and reverts all traffic to the active
// artifact. The check runs on every sample, not on a timer.
func (r *Registry) RecordCanarySample(ctx context.Context, signatureID string, isError bool) (reverted bool, err error) {
	for attempt := 0; attempt < maxSampleRetries; attempt++ {
		current, err := r.store.Get(ctx, signatureID)
		if err != nil {
			return false, err
		}
		if current.Canary == nil {
			return false, nil // torn down concurrently
		}

		next := current.Clone()
		next.Canary.Samples++
		if isError {
			next.Canary.Errors++
		}

		revert := next.Canary.Samples >= next.Canary.MinSamples &&
			next.Canary.ErrorRate() > next.Canary.MaxErrorRate
		if revert {
			logging.Get(logging.CategoryRegistry).Warnw("canary auto-stop",
				"signature", signatureID,
				"compiled_id", next.Canary.CompiledID,
				"samples", next.Canary.Samples,
				"error_rate", next.Canary.ErrorRate(),
				"max_error_rate", next.Canary.MaxErrorRate)
			next.Canary = nil
		}

		err = r.store.CompareAndSwap(ctx, current.Version, next)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return false, err
		}
		return revert, nil
	}
	return false, fmt.Errorf("%w: canary sample retries exhausted for %s", ErrConflict, signatureID)
}

// Rollback restores the immediately prior pointer value from the history.
// It is a pure pointer operation: no scores are recomputed.
func (r *Registry) Rollback(ctx context.Context, signatureID string) error {
	current, err := r.store.Get(ctx, signatureID)
	if err != nil {
		return err
	}
	history, err := r.store.History(ctx, signatureID, 2)
	if err != nil {
		return err
	}
	if len(history) < 2 {
		return fmt.Errorf("no prior pointer state for %s", signatureID)
	}

	prior := history[1]
	next := prior.Clone()
	next.SignatureID = signatureID
	if err := r.store.CompareAndSwap(ctx, current.Version, next); err != nil {
		return err
	}
	logging.Get(logging.CategoryRegistry).Infow("rolled back pointer",
		"signature", signatureID, "active_id", next.ActiveID)
	return nil
}
