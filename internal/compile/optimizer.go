package compile

import (
	"context"
	"fmt"
	"sort"

	"promptc/internal/contract"
)

// ScoreFunc evaluates one parameter candidate and returns its train
// score. The compiler wires this to the evaluation runner.
type ScoreFunc func(ctx context.Context, params contract.Params) (float64, error)

// Optimizer searches the declared space for the best-scoring Params.
// Implementations must be deterministic: a fixed signature, space and
// score function always yield the same Params.
type Optimizer interface {
	ID() string
	Optimize(ctx context.Context, sig *contract.Signature, space SearchSpace, score ScoreFunc) (contract.Params, error)
}

func OptimizerByID(spec OptimizerSpec) (Optimizer, error) {
	switch spec.ID {
	case "instruction_grid":
		return InstructionGrid{}, nil
	case "greedy_fewshot":
		return GreedyFewShot{}, nil
	case "knob_grid":
		return KnobGrid{}, nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", spec.ID)
	}
}

// InstructionGrid tries every declared instruction variant and keeps
// the best. Ties resolve to the lexicographically smallest variant name
// so repeated runs pick the same winner.
type InstructionGrid struct{}

func (InstructionGrid) ID() string { return "instruction_grid" }

func (InstructionGrid) Optimize(ctx context.Context, sig *contract.Signature, space SearchSpace, score ScoreFunc) (contract.Params, error) {
	variants := space.InstructionVariants
	if len(variants) == 0 {
		for name := range sig.InstructionVariants {
			variants = append(variants, name)
		}
	}
	sort.Strings(variants)

	best := sig.Defaults
	bestScore, err := score(ctx, best)
	if err != nil {
		return contract.Params{}, err
	}
	for _, name := range variants {
		if _, ok := sig.InstructionVariants[name]; !ok {
			return contract.Params{}, fmt.Errorf("variant %q is not declared by %s", name, sig.ID)
		}
		candidate := best
		candidate.InstructionVariant = name
		s, err := score(ctx, candidate)
		if err != nil {
			return contract.Params{}, err
		}
		if s > bestScore {
			best, bestScore = candidate, s
		}
	}
	return best, nil
}

// GreedyFewShot grows the few-shot selection one example at a time,
// keeping an addition only when it strictly improves the train score.
// Candidates come from the declared pool, scanned in id order.
type GreedyFewShot struct{}

func (GreedyFewShot) ID() string { return "greedy_fewshot" }

func (GreedyFewShot) Optimize(ctx context.Context, sig *contract.Signature, space SearchSpace, score ScoreFunc) (contract.Params, error) {
	pool := space.FewShotIDs
	if len(pool) == 0 {
		for _, fs := range sig.FewShotPool {
			pool = append(pool, fs.ID)
		}
	}
	sort.Strings(pool)

	limit := space.MaxFewShot
	if limit <= 0 || limit > len(pool) {
		limit = len(pool)
	}
	if sig.Constraints.MaxFewShot > 0 && limit > sig.Constraints.MaxFewShot {
		limit = sig.Constraints.MaxFewShot
	}

	best := sig.Defaults
	best.FewShotIDs = nil
	bestScore, err := score(ctx, best)
	if err != nil {
		return contract.Params{}, err
	}

	chosen := map[string]bool{}
	for len(best.FewShotIDs) < limit {
		improvedID := ""
		improvedScore := bestScore
		for _, id := range pool {
			if chosen[id] {
				continue
			}
			candidate := best
			candidate.FewShotIDs = append(append([]string(nil), best.FewShotIDs...), id)
			sort.Strings(candidate.FewShotIDs)
			s, err := score(ctx, candidate)
			if err != nil {
				return contract.Params{}, err
			}
			if s > improvedScore {
				improvedID, improvedScore = id, s
			}
		}
		if improvedID == "" {
			break
		}
		chosen[improvedID] = true
		best.FewShotIDs = append(best.FewShotIDs, improvedID)
		sort.Strings(best.FewShotIDs)
		bestScore = improvedScore
	}
	return best, nil
}

// KnobGrid sweeps execution knobs for the budgeted strategy: sampling
// temperature and the iteration ceiling. Among equal scores the
// cheapest knob wins.
type KnobGrid struct{}

func (KnobGrid) ID() string { return "knob_grid" }

func (KnobGrid) Optimize(ctx context.Context, sig *contract.Signature, space SearchSpace, score ScoreFunc) (contract.Params, error) {
	temps := space.Temperatures
	if len(temps) == 0 {
		temps = []float64{sig.Defaults.Model.Temperature}
	}
	sort.Float64s(temps)
	iters := space.MaxIterations
	if len(iters) == 0 {
		iters = []int64{sig.Defaults.Budgets.MaxIterations}
	}
	sort.Slice(iters, func(i, j int) bool { return iters[i] < iters[j] })

	var best contract.Params
	bestScore := -1.0
	for _, it := range iters {
		for _, temp := range temps {
			candidate := sig.Defaults
			candidate.Model.Temperature = temp
			candidate.Budgets.MaxIterations = it
			s, err := score(ctx, candidate)
			if err != nil {
				return contract.Params{}, err
			}
			if s > bestScore {
				best, bestScore = candidate, s
			}
		}
	}
	return best, nil
}
