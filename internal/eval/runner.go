package eval

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"promptc/internal/artifact"
	"promptc/internal/budget"
	"promptc/internal/contract"
	"promptc/internal/llm"
	"promptc/internal/logging"
	"promptc/internal/predict"
)

// Predictor executes one invocation under pinned params. Satisfied by
// *predict.Pipeline.
type Predictor interface {
	Run(ctx context.Context, sig *contract.Signature, params contract.Params, compiledID *string, input map[string]any) (map[string]any, *budget.Receipt, error)
}

// Runner evaluates signatures over datasets.
type Runner struct {
	predictor   Predictor
	cache       Cache
	concurrency int64
}

// NewRunner wires an evaluation runner. concurrency caps in-flight
// examples; values below 1 run sequentially.
func NewRunner(predictor Predictor, cache Cache, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{predictor: predictor, cache: cache, concurrency: int64(concurrency)}
}

// Evaluate runs every example of the split through the predictor with the
// given params and reduces the scores. The report is cached by its key;
// re-evaluation with an identical key returns the cached report without
// invoking the predictor.
func (r *Runner) Evaluate(ctx context.Context, sig *contract.Signature, params contract.Params, compiledID *string, ds *Dataset, split Split, metric Metric) (*Report, error) {
	datasetHash, err := ds.Hash()
	if err != nil {
		return nil, err
	}

	// Pinned params without an artifact still get an identity-stable key:
	// the compiled_id their content would have.
	effectiveID := ""
	if compiledID != nil {
		effectiveID = *compiledID
	} else {
		id, err := derivedID(sig, params)
		if err != nil {
			return nil, err
		}
		effectiveID = id
	}

	key := Key{
		SignatureID: sig.ID,
		CompiledID:  effectiveID,
		DatasetHash: datasetHash,
		Split:       split,
		MetricID:    metric.ID(),
	}

	if cached, ok, err := r.cache.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		logging.Get(logging.CategoryEval).Debugw("report cache hit",
			"signature", sig.ID, "compiled_id", effectiveID, "dataset", datasetHash)
		return cached, nil
	}

	examples := ds.BySplit(split)
	if len(examples) == 0 {
		return nil, fmt.Errorf("dataset %s has no %s examples", ds.ID, split)
	}

	log := logging.Get(logging.CategoryEval)
	log.Infow("evaluating", "signature", sig.ID, "compiled_id", effectiveID,
		"split", split, "examples", len(examples), "metric", metric.ID())

	// Examples are already sorted by id; results land at their index so
	// completion order never affects the reduced report.
	results := make([]ExampleResult, len(examples))
	sem := semaphore.NewWeighted(r.concurrency)
	g, gctx := errgroup.WithContext(ctx)

	for i, ex := range examples {
		if err := sem.Acquire(gctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			results[i] = r.evaluateExample(gctx, sig, params, compiledID, ex, metric)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := aggregate(key, results)
	if err := r.cache.Put(ctx, report); err != nil {
		return nil, err
	}
	log.Infow("evaluation complete", "signature", sig.ID,
		"aggregate", report.Aggregate, "failures", report.Failures)
	return report, nil
}

func (r *Runner) evaluateExample(ctx context.Context, sig *contract.Signature, params contract.Params, compiledID *string, ex Example, metric Metric) ExampleResult {
	result := ExampleResult{ExampleID: ex.ID}

	output, receipt, err := r.predictor.Run(ctx, sig, params, compiledID, ex.Input)
	if receipt != nil {
		result.ReceiptID = receipt.ID
	}
	if err != nil {
		result.Failure = classifyFailure(err)
		return result
	}

	score, err := metric.Score(ex.Expected, output)
	if err != nil {
		result.Failure = FailureOther
		return result
	}
	result.Score = score
	if score == 0 {
		result.Failure = FailureMetric
	}
	return result
}

func classifyFailure(err error) string {
	switch {
	case errors.Is(err, predict.ErrContractViolation):
		return FailureDecode
	case errors.Is(err, budget.ErrBudgetExceeded):
		return FailureBudget
	case errors.Is(err, llm.ErrToolFailure):
		return FailureTool
	case errors.Is(err, llm.ErrProvider):
		return FailureProvider
	default:
		return FailureOther
	}
}

func derivedID(sig *contract.Signature, params contract.Params) (string, error) {
	irHash, err := sig.Prompt.Hash()
	if err != nil {
		return "", err
	}
	outHash, err := sig.OutputSchema.Hash()
	if err != nil {
		return "", err
	}
	return artifact.ComputeID(sig.ID, params, irHash, outHash)
}

// ArtifactScores resolves holdout scores from the evaluation evidence
// frozen into stored artifacts. It backs the registry's promotion gate.
type ArtifactScores struct {
	Artifacts artifact.Store
}

// HoldoutScore implements registry.ScoreSource.
func (s ArtifactScores) HoldoutScore(ctx context.Context, _, compiledID string) (float64, bool, error) {
	art, err := s.Artifacts.Get(ctx, compiledID)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if art.Eval.MetricID == "" {
		return 0, false, nil
	}
	return art.Eval.HoldoutScore, true, nil
}
