package predict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"promptc/internal/artifact"
	"promptc/internal/budget"
	"promptc/internal/contract"
	"promptc/internal/llm"
	"promptc/internal/logging"
	"promptc/internal/registry"
)

// StrategyRunner executes a run under an alternate strategy. The budgeted
// execution kernel implements this.
type StrategyRunner interface {
	Run(ctx context.Context, sig *contract.Signature, params contract.Params, input map[string]any, meter *budget.Meter, receipt *budget.Receipt) (map[string]any, error)
}

// Options tune pipeline behavior not owned by artifact params.
type Options struct {
	// DefaultRepairAttempts applies when params carry no decode policy.
	DefaultRepairAttempts int
}

// Pipeline is the predict runtime. Concurrent Predict calls share no
// mutable state beyond the registry pointer, which is CAS-guarded.
type Pipeline struct {
	catalog   *contract.Catalog
	registry  *registry.Registry
	artifacts artifact.Store
	model     llm.ModelClient
	receipts  budget.Sink
	kernel    StrategyRunner
	opts      Options
}

// New wires a pipeline. kernel may be nil when no signature selects the
// budgeted strategy.
func New(catalog *contract.Catalog, reg *registry.Registry, artifacts artifact.Store, model llm.ModelClient, receipts budget.Sink, kernel StrategyRunner, opts Options) *Pipeline {
	if opts.DefaultRepairAttempts == 0 {
		opts.DefaultRepairAttempts = 2
	}
	return &Pipeline{
		catalog:   catalog,
		registry:  reg,
		artifacts: artifacts,
		model:     model,
		receipts:  receipts,
		kernel:    kernel,
		opts:      opts,
	}
}

// Predict resolves the routed artifact for signatureID and applies it to
// input. requestKey drives deterministic canary bucketing; pass "" to let
// the pipeline mint one.
func (p *Pipeline) Predict(ctx context.Context, signatureID string, input map[string]any, requestKey string) (map[string]any, *budget.Receipt, error) {
	sig, err := p.catalog.Get(signatureID)
	if err != nil {
		return nil, nil, err
	}
	if requestKey == "" {
		requestKey = uuid.NewString()
	}

	params := sig.Defaults
	var compiledID *string
	viaCanary := false

	pointer, err := p.registry.Resolve(ctx, signatureID)
	switch {
	case err == nil:
		routedID, canary := registry.Route(pointer, requestKey)
		art, aerr := p.artifacts.Get(ctx, routedID)
		if aerr != nil {
			// A pointer referencing a missing artifact fails this
			// invocation, and failed invocations still leave a receipt.
			receipt := budget.NewReceipt(sig.ID, contract.StrategyDirect, sig.Defaults.Budgets)
			receipt.CompiledID = &routedID
			p.finishReceipt(ctx, receipt, budget.NewMeter(sig.Defaults.Budgets), input, nil, aerr)
			return nil, receipt, aerr
		}
		params = art.Params
		compiledID = &art.CompiledID
		viaCanary = canary
	case errors.Is(err, registry.ErrNoPointer):
		// No promotion yet: run on signature defaults, compiled_id stays nil.
	default:
		return nil, nil, err
	}

	output, receipt, err := p.Run(ctx, sig, params, compiledID, input)

	if viaCanary {
		// In-flight calls that resolved the pointer before a teardown still
		// report their sample; a concurrently removed canary ignores it.
		if _, serr := p.registry.RecordCanarySample(ctx, signatureID, err != nil); serr != nil {
			logging.Get(logging.CategoryPredict).Warnw("canary sample not recorded",
				"signature", signatureID, "error", serr)
		}
	}
	return output, receipt, err
}

// Run executes one invocation under pinned params, bypassing pointer
// resolution. The evaluation engine and compiler call this directly.
// A receipt is emitted unconditionally, success or failure.
func (p *Pipeline) Run(ctx context.Context, sig *contract.Signature, params contract.Params, compiledID *string, input map[string]any) (map[string]any, *budget.Receipt, error) {
	strategy := params.Strategy
	if strategy == "" {
		strategy = contract.StrategyDirect
	}

	meter := budget.NewMeter(params.Budgets)
	receipt := budget.NewReceipt(sig.ID, strategy, params.Budgets)
	receipt.CompiledID = compiledID

	output, err := p.run(ctx, sig, params, strategy, input, meter, receipt)

	p.finishReceipt(ctx, receipt, meter, input, output, err)
	if err != nil {
		return nil, receipt, err
	}
	return output, receipt, nil
}

func (p *Pipeline) run(ctx context.Context, sig *contract.Signature, params contract.Params, strategy string, input map[string]any, meter *budget.Meter, receipt *budget.Receipt) (map[string]any, error) {
	if err := sig.InputSchema.Validate(input); err != nil {
		return nil, fmt.Errorf("%w: input: %v", ErrContractViolation, err)
	}

	var output map[string]any
	var err error
	switch strategy {
	case contract.StrategyBudgeted:
		if p.kernel == nil {
			return nil, fmt.Errorf("signature %s selects budgeted strategy but no kernel is wired", sig.ID)
		}
		output, err = p.kernel.Run(ctx, sig, params, input, meter, receipt)
	case contract.StrategyDirect:
		output, err = p.runDirect(ctx, sig, params, input, meter, receipt)
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
	if err != nil {
		return nil, err
	}

	if err := sig.OutputSchema.Validate(output); err != nil {
		return nil, fmt.Errorf("%w: output: %v", ErrContractViolation, err)
	}

	outJSON, jerr := contract.CanonicalJSON(output)
	if jerr != nil {
		return nil, jerr
	}
	if err := meter.RecordOutput(len(outJSON)); err != nil {
		return nil, err
	}
	receipt.OutputJSON = string(outJSON)
	receipt.OutputHash = contract.HashBytes(outJSON)
	return output, nil
}

func (p *Pipeline) runDirect(ctx context.Context, sig *contract.Signature, params contract.Params, input map[string]any, meter *budget.Meter, receipt *budget.Receipt) (map[string]any, error) {
	ir, err := ApplyParams(sig, params)
	if err != nil {
		return nil, err
	}
	req, err := Render(sig, ir, params, input)
	if err != nil {
		return nil, err
	}
	receipt.PromptHash = contract.HashBytes([]byte(req.System + "\x00" + req.Prompt))

	raw, err := p.invoke(ctx, req, meter)
	if err != nil {
		return nil, err
	}

	output, decodeErr := Decode(raw, sig.OutputSchema)
	if decodeErr == nil {
		return output, nil
	}

	// Bounded repair loop: each attempt is a budget-accounted model call.
	maxRepair := params.Decode.MaxRepairAttempts
	if maxRepair == 0 {
		maxRepair = p.opts.DefaultRepairAttempts
	}
	log := logging.Get(logging.CategoryPredict)
	for attempt := 1; attempt <= maxRepair; attempt++ {
		if err := meter.ChargeRepairAttempt(); err != nil {
			return nil, err
		}
		log.Debugw("repairing output", "signature", sig.ID, "attempt", attempt, "error", decodeErr)

		repairReq := req
		repairReq.Prompt = repairPrompt(req.Prompt, raw, decodeErr)
		raw, err = p.invoke(ctx, repairReq, meter)
		if err != nil {
			return nil, err
		}
		output, decodeErr = Decode(raw, sig.OutputSchema)
		if decodeErr == nil {
			return output, nil
		}
	}
	return nil, fmt.Errorf("%w: %v (repair attempts exhausted)", ErrContractViolation, decodeErr)
}

// invoke is the single suspension point for direct runs: one provider call
// under the budget deadline.
func (p *Pipeline) invoke(ctx context.Context, req llm.Request, meter *budget.Meter) (string, error) {
	if err := meter.CheckTime(); err != nil {
		return "", err
	}
	if err := meter.ChargeModelCall(); err != nil {
		return "", err
	}
	callCtx, cancel := meter.Deadline(ctx)
	defer cancel()

	resp, err := p.model.Complete(callCtx, req)
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return "", &budget.Exceeded{Ceiling: budget.CeilingTime, Limit: meter.Limits().MaxTimeMs, Used: meter.Usage().ElapsedMs}
		}
		return "", err
	}
	return resp.Text, nil
}

func repairPrompt(original, raw string, decodeErr error) string {
	return fmt.Sprintf("%s\n\n## Repair\nYour previous response could not be decoded: %v\nPrevious response:\n%s\n\nRespond again with a single valid JSON object matching the schema. JSON only.",
		original, decodeErr, raw)
}

func (p *Pipeline) finishReceipt(ctx context.Context, receipt *budget.Receipt, meter *budget.Meter, input, output map[string]any, runErr error) {
	if inJSON, err := contract.CanonicalJSON(input); err == nil {
		receipt.InputJSON = string(inJSON)
		receipt.InputHash = contract.HashBytes(inJSON)
	}
	receipt.Usage = meter.Usage()
	receipt.FinishedAt = time.Now().UTC()
	receipt.Outcome = classifyOutcome(runErr)
	if runErr != nil {
		receipt.ErrorDetail = runErr.Error()
	}

	if err := p.receipts.Record(ctx, receipt); err != nil {
		logging.Get(logging.CategoryPredict).Errorw("receipt not recorded",
			"receipt_id", receipt.ID, "error", err)
	}
}

func classifyOutcome(err error) budget.Outcome {
	switch {
	case err == nil:
		return budget.OutcomeSuccess
	case errors.Is(err, budget.ErrBudgetExceeded):
		return budget.OutcomeBudgetExceeded
	case errors.Is(err, ErrContractViolation):
		return budget.OutcomeContractViolation
	case errors.Is(err, llm.ErrProvider):
		return budget.OutcomeProviderFailure
	case errors.Is(err, artifact.ErrNotFound):
		return budget.OutcomeArtifactNotFound
	default:
		return budget.OutcomeError
	}
}
