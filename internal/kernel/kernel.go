package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"promptc/internal/budget"
	"promptc/internal/contract"
	"promptc/internal/llm"
	"promptc/internal/logging"
	"promptc/internal/predict"
)

// Config tunes kernel mechanics. Per-run ceilings come from the
// artifact's budget limits, not from here.
type Config struct {
	// ExtractConcurrency caps parallel secondary calls in
	// ExtractOverChunks fan-out.
	ExtractConcurrency int64
	// PreviewBytes bounds Preview observations and the initial input
	// previews shown to the controller.
	PreviewBytes int
	// MaxLoadBytes bounds a single Load observation.
	MaxLoadBytes int64
	// BlobThreshold is the inline/blob cutoff for input fields.
	BlobThreshold int
	// MaxVarBytes bounds a WriteVar payload.
	MaxVarBytes int
}

func (c *Config) applyDefaults() {
	if c.ExtractConcurrency <= 0 {
		c.ExtractConcurrency = 4
	}
	if c.PreviewBytes <= 0 {
		c.PreviewBytes = 1024
	}
	if c.MaxLoadBytes <= 0 {
		c.MaxLoadBytes = 64 * 1024
	}
	if c.BlobThreshold <= 0 {
		c.BlobThreshold = 2048
	}
	if c.MaxVarBytes <= 0 {
		c.MaxVarBytes = 8 * 1024
	}
}

// Kernel is the budgeted execution strategy: a sequential controller
// loop over a closed action set, with all large context held in
// VarSpace/BlobStore instead of the prompt.
type Kernel struct {
	model llm.ModelClient
	tools llm.ToolRunner
	blobs BlobStore
	cfg   Config
	log   *zap.SugaredLogger
}

func New(model llm.ModelClient, tools llm.ToolRunner, blobs BlobStore, cfg Config) *Kernel {
	cfg.applyDefaults()
	if tools == nil {
		tools = llm.NopToolRunner{}
	}
	return &Kernel{
		model: model,
		tools: tools,
		blobs: blobs,
		cfg:   cfg,
		log:   logging.Get(logging.CategoryKernel),
	}
}

// Run implements the budgeted strategy. The two ceilings that bound
// loop growth must be set explicitly; their absence fails here, at
// setup, never mid-run.
func (k *Kernel) Run(ctx context.Context, sig *contract.Signature, params contract.Params, input map[string]any, meter *budget.Meter, receipt *budget.Receipt) (map[string]any, error) {
	if params.Budgets.MaxIterations <= 0 {
		return nil, fmt.Errorf("budgeted strategy for %s: max_iterations must be set explicitly", sig.ID)
	}
	if params.Budgets.MaxSubLMCalls <= 0 {
		return nil, fmt.Errorf("budgeted strategy for %s: max_sublm_calls must be set explicitly", sig.ID)
	}

	st := NewState()
	trace := &Trace{RunID: st.RunID}

	system, err := k.systemPrompt(sig, params)
	if err != nil {
		return nil, err
	}
	receipt.PromptHash = contract.HashBytes([]byte(system))

	if err := k.initVars(ctx, st, input, receipt); err != nil {
		st.Phase = PhaseError
		return nil, err
	}
	st.Phase = PhaseIterating
	k.log.Debugw("run start", "run", st.RunID, "signature", sig.ID,
		"max_iterations", params.Budgets.MaxIterations)

	for !st.Terminal() {
		if err := meter.ChargeIteration(); err != nil {
			st.Phase = PhaseBudgetExceeded
			k.persistTrace(ctx, st, trace, receipt)
			return nil, err
		}

		raw, err := k.call(ctx, meter, meter.ChargeModelCall, llm.Request{
			System:          system,
			Prompt:          k.controllerPrompt(st),
			Model:           params.Model.Model,
			Temperature:     params.Model.Temperature,
			MaxOutputTokens: params.Model.MaxOutputTokens,
			JSONOnly:        true,
		})
		if err != nil {
			st.Phase = k.phaseFor(err)
			k.persistTrace(ctx, st, trace, receipt)
			return nil, err
		}

		action, perr := ParseAction([]byte(raw))
		if perr != nil {
			// Malformed emissions cost the iteration and are reported
			// back; the iteration ceiling bounds how long this can go on.
			obs := &Observation{Seq: st.NextSeq(), Trust: TrustTrusted, Err: perr.Error()}
			st.Observe(obs)
			trace.Events = append(trace.Events, TraceEvent{Seq: obs.Seq, Observation: obs.Digest()})
			continue
		}

		obs, serr := k.Step(ctx, st, action, params, meter)
		if obs != nil {
			actionJSON, _ := json.Marshal(action)
			trace.Events = append(trace.Events, TraceEvent{
				Seq: obs.Seq, Kind: action.Kind, Action: actionJSON, Observation: obs.Digest(),
			})
		}
		if serr != nil {
			st.Phase = k.phaseFor(serr)
			k.persistTrace(ctx, st, trace, receipt)
			return nil, serr
		}
	}

	k.persistTrace(ctx, st, trace, receipt)
	if err := sig.OutputSchema.Validate(st.Output); err != nil {
		return nil, fmt.Errorf("%w: output: %v", predict.ErrContractViolation, err)
	}
	return st.Output, nil
}

// Step applies one action to the state and returns the observation.
// Recoverable problems (unknown variables, bad offsets, tool failures)
// come back as error observations so the controller can adapt; budget
// and provider failures are returned as errors and end the run.
func (k *Kernel) Step(ctx context.Context, st *State, a *Action, params contract.Params, meter *budget.Meter) (*Observation, error) {
	obs := &Observation{Seq: st.NextSeq(), Action: a.Kind}

	var err error
	switch a.Kind {
	case ActionPreview:
		err = k.stepPreview(ctx, st, a.Preview, obs)
	case ActionSearch:
		err = k.stepSearch(ctx, st, a.Search, obs)
	case ActionLoad:
		err = k.stepLoad(ctx, st, a.Load, obs)
	case ActionChunk:
		err = k.stepChunk(ctx, st, a.Chunk, obs)
	case ActionWriteVar:
		err = k.stepWriteVar(st, a.WriteVar, obs)
	case ActionExtract:
		err = k.stepExtract(ctx, st, a.Extract, params, meter, obs)
	case ActionSubLM:
		err = k.stepSubLM(ctx, st, a.SubLM, params, meter, obs)
	case ActionToolCall:
		err = k.stepToolCall(ctx, st, a.ToolCall, meter, obs)
	case ActionFinal:
		err = k.stepFinal(st, a.Final, obs)
	}

	if err != nil {
		if terminalErr(err) {
			return obs, err
		}
		obs.Err = err.Error()
		obs.Trust = TrustTrusted
	}
	st.Observe(obs)
	return obs, nil
}

func (k *Kernel) stepPreview(ctx context.Context, st *State, a *PreviewAction, obs *Observation) error {
	data, err := st.Vars.Bytes(ctx, k.blobs, a.Var)
	if err != nil {
		return err
	}
	limit := a.MaxBytes
	if limit <= 0 || limit > k.cfg.PreviewBytes {
		limit = k.cfg.PreviewBytes
	}
	if limit > len(data) {
		limit = len(data)
	}
	obs.Text = string(data[:limit])
	obs.Provenance = &Provenance{Source: a.Var, Offset: 0, Length: int64(limit)}
	obs.Trust = TrustUntrusted
	return nil
}

func (k *Kernel) stepSearch(ctx context.Context, st *State, a *SearchAction, obs *Observation) error {
	data, err := st.Vars.Bytes(ctx, k.blobs, a.Var)
	if err != nil {
		return err
	}
	limit := a.MaxMatches
	if limit <= 0 || limit > 20 {
		limit = 20
	}

	var lines []string
	haystack := string(data)
	offset := 0
	for len(lines) < limit {
		i := strings.Index(haystack[offset:], a.Query)
		if i < 0 {
			break
		}
		at := offset + i
		lines = append(lines, fmt.Sprintf("match at offset %d: %s", at, excerpt(haystack, at, len(a.Query), 80)))
		offset = at + len(a.Query)
	}
	if len(lines) == 0 {
		obs.Text = fmt.Sprintf("no matches for %q", a.Query)
		obs.Trust = TrustTrusted
		return nil
	}
	obs.Text = strings.Join(lines, "\n")
	obs.Provenance = &Provenance{Source: a.Var, Offset: 0, Length: int64(len(data))}
	obs.Trust = TrustUntrusted
	return nil
}

func (k *Kernel) stepLoad(ctx context.Context, st *State, a *LoadAction, obs *Observation) error {
	if a.Length > k.cfg.MaxLoadBytes {
		return fmt.Errorf("load: length %d exceeds limit %d", a.Length, k.cfg.MaxLoadBytes)
	}
	data, err := st.Vars.Bytes(ctx, k.blobs, a.Var)
	if err != nil {
		return err
	}
	if a.Offset >= int64(len(data)) {
		return fmt.Errorf("load: offset %d beyond end of %s (%d bytes)", a.Offset, a.Var, len(data))
	}
	end := a.Offset + a.Length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	obs.Text = string(data[a.Offset:end])
	obs.Provenance = &Provenance{Source: a.Var, Offset: a.Offset, Length: end - a.Offset}
	obs.Trust = TrustUntrusted
	return nil
}

func (k *Kernel) stepChunk(ctx context.Context, st *State, a *ChunkAction, obs *Observation) error {
	data, err := st.Vars.Bytes(ctx, k.blobs, a.Var)
	if err != nil {
		return err
	}
	var refs []BlobRef
	for off := 0; off < len(data); off += a.ChunkBytes {
		end := off + a.ChunkBytes
		if end > len(data) {
			end = len(data)
		}
		ref, err := k.blobs.Put(ctx, data[off:end], "text/plain")
		if err != nil {
			return err
		}
		refs = append(refs, ref)
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return err
	}
	if err := st.Vars.Set(a.Into, Value{JSON: refsJSON}); err != nil {
		return err
	}
	obs.Text = fmt.Sprintf("chunked %s into %d chunks of <=%d bytes, refs in %s", a.Var, len(refs), a.ChunkBytes, a.Into)
	obs.Trust = TrustTrusted
	return nil
}

func (k *Kernel) stepWriteVar(st *State, a *WriteVarAction, obs *Observation) error {
	if len(a.Value) > k.cfg.MaxVarBytes {
		return fmt.Errorf("write_var: %d bytes exceeds limit %d", len(a.Value), k.cfg.MaxVarBytes)
	}
	if !json.Valid(a.Value) {
		return fmt.Errorf("write_var: value is not valid JSON")
	}
	if err := st.Vars.Set(a.Name, Value{JSON: append(json.RawMessage(nil), a.Value...)}); err != nil {
		return err
	}
	obs.Text = fmt.Sprintf("wrote %s (%d bytes)", a.Name, len(a.Value))
	obs.Trust = TrustTrusted
	return nil
}

// stepExtract is the kernel-driven fan-out: the kernel, not the
// controller, walks the chunk list and issues the secondary calls.
// Results are collected by chunk position, never completion order.
func (k *Kernel) stepExtract(ctx context.Context, st *State, a *ExtractAction, params contract.Params, meter *budget.Meter, obs *Observation) error {
	refs, err := st.Vars.ChunkRefs(a.ChunksVar)
	if err != nil {
		return err
	}
	if a.MaxCalls > 0 && int64(len(refs)) > a.MaxCalls {
		return fmt.Errorf("extract_over_chunks: %d chunks exceed max_calls %d", len(refs), a.MaxCalls)
	}

	results := make([]string, len(refs))
	sem := semaphore.NewWeighted(k.cfg.ExtractConcurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			data, err := k.blobs.Get(gctx, ref.ID)
			if err != nil {
				return err
			}
			text, err := k.call(gctx, meter, meter.ChargeSubLMCall, llm.Request{
				Prompt:      a.Prompt + "\n\n## Chunk\n" + string(data),
				Model:       params.Model.Model,
				Temperature: params.Model.Temperature,
			})
			if err != nil {
				return err
			}
			results[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return err
	}
	total := 0
	for _, r := range results {
		total += len(r)
	}
	if len(resultsJSON) > k.cfg.BlobThreshold {
		ref, err := k.blobs.Put(ctx, resultsJSON, "application/json")
		if err != nil {
			return err
		}
		if err := st.Vars.Set(a.Into, Value{Blob: &ref}); err != nil {
			return err
		}
	} else if err := st.Vars.Set(a.Into, Value{JSON: resultsJSON}); err != nil {
		return err
	}
	obs.Text = fmt.Sprintf("extracted over %d chunks, %d result bytes in %s", len(refs), total, a.Into)
	obs.Trust = TrustTrusted
	return nil
}

func (k *Kernel) stepSubLM(ctx context.Context, st *State, a *SubLMAction, params contract.Params, meter *budget.Meter, obs *Observation) error {
	prompt := a.Prompt
	if a.ContextVar != "" {
		data, err := st.Vars.Bytes(ctx, k.blobs, a.ContextVar)
		if err != nil {
			return err
		}
		prompt += "\n\n## Context\n" + string(data)
	}
	text, err := k.call(ctx, meter, meter.ChargeSubLMCall, llm.Request{
		Prompt:      prompt,
		Model:       params.Model.Model,
		Temperature: params.Model.Temperature,
	})
	if err != nil {
		return err
	}
	if a.Into != "" {
		enc, err := json.Marshal(text)
		if err != nil {
			return err
		}
		if err := st.Vars.Set(a.Into, Value{JSON: enc}); err != nil {
			return err
		}
	}
	obs.Text = text
	obs.Trust = TrustUntrusted
	return nil
}

func (k *Kernel) stepToolCall(ctx context.Context, st *State, a *ToolCallAction, meter *budget.Meter, obs *Observation) error {
	if err := meter.ChargeToolCall(); err != nil {
		return err
	}
	callCtx, cancel := meter.Deadline(ctx)
	defer cancel()

	result, err := k.tools.Run(callCtx, a.Name, a.Args)
	if err != nil {
		return err
	}
	if a.Into != "" {
		if err := st.Vars.Set(a.Into, Value{JSON: append(json.RawMessage(nil), result...)}); err != nil {
			return err
		}
	}
	obs.Text = string(result)
	obs.Provenance = &Provenance{Source: "tool:" + a.Name, Offset: 0, Length: int64(len(result))}
	obs.Trust = TrustUntrusted
	return nil
}

func (k *Kernel) stepFinal(st *State, a *FinalAction, obs *Observation) error {
	var output map[string]any
	if err := json.Unmarshal(a.Output, &output); err != nil {
		return fmt.Errorf("%w: final output: %v", predict.ErrContractViolation, err)
	}
	st.Output = output
	st.Phase = PhaseFinal
	obs.Text = "final"
	obs.Trust = TrustTrusted
	return nil
}

// initVars writes large input fields into the blob store and leaves the
// rest inline, so the controller sees names and sizes only.
func (k *Kernel) initVars(ctx context.Context, st *State, input map[string]any, receipt *budget.Receipt) error {
	fields := make([]string, 0, len(input))
	for name := range input {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	for _, name := range fields {
		varName := "input." + name
		if s, ok := input[name].(string); ok && len(s) > k.cfg.BlobThreshold {
			ref, err := k.blobs.Put(ctx, []byte(s), "text/plain")
			if err != nil {
				return err
			}
			receipt.BlobIDs = append(receipt.BlobIDs, ref.ID)
			if err := st.Vars.Set(varName, Value{Blob: &ref}); err != nil {
				return err
			}
			continue
		}
		enc, err := contract.CanonicalJSON(input[name])
		if err != nil {
			return err
		}
		if err := st.Vars.Set(varName, Value{JSON: enc}); err != nil {
			return err
		}
	}
	return nil
}

// call is the kernel's single suspension point: one provider call under
// the remaining-time deadline, after the given ceiling charge.
func (k *Kernel) call(ctx context.Context, meter *budget.Meter, charge func() error, req llm.Request) (string, error) {
	if err := meter.CheckTime(); err != nil {
		return "", err
	}
	if err := charge(); err != nil {
		return "", err
	}
	callCtx, cancel := meter.Deadline(ctx)
	defer cancel()

	resp, err := k.model.Complete(callCtx, req)
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return "", &budget.Exceeded{Ceiling: budget.CeilingTime, Limit: meter.Limits().MaxTimeMs, Used: meter.Usage().ElapsedMs}
		}
		return "", err
	}
	return resp.Text, nil
}

func (k *Kernel) systemPrompt(sig *contract.Signature, params contract.Params) (string, error) {
	ir, err := predict.ApplyParams(sig, params)
	if err != nil {
		return "", err
	}
	var parts []string
	for _, b := range ir.Blocks {
		if b.Kind == contract.BlockSystem || b.Kind == contract.BlockInstruction {
			parts = append(parts, b.Text)
		}
	}
	schemaJSON, err := contract.CanonicalJSON(sig.OutputSchema)
	if err != nil {
		return "", err
	}
	return strings.Join(parts, "\n") +
		"\n\nYou drive a stateful execution loop. Large data lives in named variables; you see names and sizes, never full content. Each turn, respond with exactly one JSON action object and nothing else.\n" +
		actionProtocol +
		"\nWhen done, emit {\"kind\":\"final\",\"final\":{\"output\":...}} where output matches this JSON schema:\n" + string(schemaJSON), nil
}

func (k *Kernel) controllerPrompt(st *State) string {
	var b strings.Builder
	b.WriteString("## Variables\n")
	b.WriteString(st.Vars.Summary())
	if len(st.History) > 0 {
		b.WriteString("\n## History\n")
		for _, d := range st.History {
			b.WriteString(d)
			b.WriteString("\n")
		}
	}
	if st.Last != nil && st.Last.Err == "" && st.Last.Text != "" {
		fmt.Fprintf(&b, "\n## Last observation (%s)\n%s\n", st.Last.Trust, st.Last.Text)
	}
	b.WriteString("\nNext action:")
	return b.String()
}

func (k *Kernel) persistTrace(ctx context.Context, st *State, trace *Trace, receipt *budget.Receipt) {
	data, err := json.Marshal(trace)
	if err != nil {
		k.log.Errorw("trace not serialized", "run", st.RunID, "error", err)
		return
	}
	ref, err := k.blobs.Put(ctx, data, "application/json")
	if err != nil {
		k.log.Errorw("trace not persisted", "run", st.RunID, "error", err)
		return
	}
	receipt.BlobIDs = append(receipt.BlobIDs, ref.ID)
}

func (k *Kernel) phaseFor(err error) Phase {
	if errors.Is(err, budget.ErrBudgetExceeded) {
		return PhaseBudgetExceeded
	}
	return PhaseError
}

// excerpt returns a window of text around a match, clamped to the
// string bounds and widened to rune boundaries so a multi-byte rune
// is never split at either edge.
func excerpt(s string, at, matchLen, window int) string {
	start := at - window/2
	if start < 0 {
		start = 0
	}
	end := at + matchLen + window/2
	if end > len(s) {
		end = len(s)
	}
	for start > 0 && !utf8.RuneStart(s[start]) {
		start--
	}
	for end < len(s) && !utf8.RuneStart(s[end]) {
		end++
	}
	return s[start:end]
}

func terminalErr(err error) bool {
	return errors.Is(err, budget.ErrBudgetExceeded) ||
		errors.Is(err, llm.ErrProvider) ||
		errors.Is(err, predict.ErrContractViolation)
}

const actionProtocol = `Actions:
- {"kind":"preview","preview":{"var":NAME,"max_bytes":N}} bounded head of a variable
- {"kind":"search","search":{"var":NAME,"query":Q,"max_matches":N}} substring match offsets
- {"kind":"load","load":{"var":NAME,"offset":N,"length":N}} bounded byte range
- {"kind":"chunk","chunk":{"var":NAME,"chunk_bytes":N,"into":NAME}} split into chunk refs
- {"kind":"write_var","write_var":{"name":NAME,"value":JSON}} store a small value
- {"kind":"extract_over_chunks","extract_over_chunks":{"chunks_var":NAME,"prompt":P,"into":NAME,"max_calls":N}} map a prompt over every chunk
- {"kind":"sub_lm","sub_lm":{"prompt":P,"context_var":NAME,"into":NAME}} one secondary model call
- {"kind":"tool_call","tool_call":{"name":TOOL,"args":JSON,"into":NAME}} run a tool
- {"kind":"final","final":{"output":JSON}} finish with the decoded output`
