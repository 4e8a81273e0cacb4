package compile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"promptc/internal/artifact"
	"promptc/internal/contract"
	"promptc/internal/eval"
	"promptc/internal/logging"
)

// Evaluator scores one parameter setting against a dataset split.
// *eval.Runner is the production implementation.
type Evaluator interface {
	Evaluate(ctx context.Context, sig *contract.Signature, params contract.Params, compiledID *string, ds *eval.Dataset, split eval.Split, metric eval.Metric) (*eval.Report, error)
}

// JobCache maps (jobHash, datasetHash) to the compiled id produced the
// first time that pair was seen.
type JobCache interface {
	Get(ctx context.Context, jobHash, datasetHash string) (string, bool, error)
	Put(ctx context.Context, jobHash, datasetHash, compiledID string) error
}

type MemJobCache struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemJobCache() *MemJobCache {
	return &MemJobCache{entries: make(map[string]string)}
}

func (c *MemJobCache) Get(_ context.Context, jobHash, datasetHash string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.entries[jobHash+"|"+datasetHash]
	return id, ok, nil
}

func (c *MemJobCache) Put(_ context.Context, jobHash, datasetHash, compiledID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[jobHash+"|"+datasetHash] = compiledID
	return nil
}

// Compiler turns a job spec into an immutable compiled artifact. The
// optimizer searches on the train split only; the holdout split is
// scored once at the end and frozen into the artifact.
type Compiler struct {
	catalog   *contract.Catalog
	artifacts artifact.Store
	evaluator Evaluator
	cache     JobCache
	log       *zap.SugaredLogger
}

func New(catalog *contract.Catalog, artifacts artifact.Store, evaluator Evaluator, cache JobCache) *Compiler {
	return &Compiler{
		catalog:   catalog,
		artifacts: artifacts,
		evaluator: evaluator,
		cache:     cache,
		log:       logging.Get(logging.CategoryCompile),
	}
}

// Compile runs the job against the dataset. Identical (job, dataset)
// pairs short-circuit to the previously produced artifact without
// re-running the optimizer.
func (c *Compiler) Compile(ctx context.Context, job JobSpec, ds *eval.Dataset) (*artifact.CompiledArtifact, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	jobHash, err := job.Hash()
	if err != nil {
		return nil, err
	}
	dsHash, err := ds.Hash()
	if err != nil {
		return nil, err
	}

	if id, ok, err := c.cache.Get(ctx, jobHash, dsHash); err != nil {
		return nil, fmt.Errorf("job cache: %w", err)
	} else if ok {
		c.log.Debugw("compile cache hit", "job", jobHash, "dataset", dsHash, "compiled", id)
		return c.artifacts.Get(ctx, id)
	}

	sig, err := c.catalog.Get(job.SignatureID)
	if err != nil {
		return nil, err
	}
	metric, err := eval.MetricByID(job.MetricID)
	if err != nil {
		return nil, err
	}
	opt, err := OptimizerByID(job.Optimizer)
	if err != nil {
		return nil, err
	}

	c.log.Infow("compile start",
		"signature", sig.ID, "optimizer", opt.ID(), "job", jobHash, "dataset", dsHash)

	trainScore := func(ctx context.Context, params contract.Params) (float64, error) {
		report, err := c.evaluator.Evaluate(ctx, sig, params, nil, ds, eval.SplitTrain, metric)
		if err != nil {
			return 0, err
		}
		return report.Aggregate, nil
	}
	best, err := opt.Optimize(ctx, sig, job.Search, trainScore)
	if err != nil {
		return nil, fmt.Errorf("optimize %s: %w", sig.ID, err)
	}

	art, err := artifact.New(sig, best)
	if err != nil {
		return nil, err
	}

	holdout, err := c.evaluator.Evaluate(ctx, sig, best, nil, ds, eval.SplitHoldout, metric)
	if err != nil {
		return nil, fmt.Errorf("holdout eval: %w", err)
	}
	train, err := c.evaluator.Evaluate(ctx, sig, best, nil, ds, eval.SplitTrain, metric)
	if err != nil {
		return nil, fmt.Errorf("train eval: %w", err)
	}

	art.Eval = artifact.EvalSummary{
		DatasetHash:  dsHash,
		MetricID:     metric.ID(),
		HoldoutScore: holdout.Aggregate,
		TrainScore:   train.Aggregate,
		Examples:     holdout.Count,
	}
	art.Provenance = artifact.Provenance{
		OptimizerID: opt.ID(),
		JobHash:     jobHash,
		DatasetHash: dsHash,
		CreatedAt:   time.Now().UTC(),
	}

	if err := c.artifacts.Put(ctx, art); err != nil {
		return nil, err
	}
	if err := c.cache.Put(ctx, jobHash, dsHash, art.CompiledID); err != nil {
		return nil, fmt.Errorf("job cache: %w", err)
	}

	c.log.Infow("compile done",
		"signature", sig.ID, "compiled", art.CompiledID,
		"holdout", holdout.Aggregate, "train", train.Aggregate)
	return art, nil
}
