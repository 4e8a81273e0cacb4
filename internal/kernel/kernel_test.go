package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"promptc/internal/budget"
	"promptc/internal/contract"
	"promptc/internal/llm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func kernelSignature() *contract.Signature {
	return &contract.Signature{
		ID: "docs/Summarize.v1",
		InputSchema: &contract.Schema{
			Type:       "object",
			Properties: map[string]*contract.Schema{"document": {Type: "string"}},
			Required:   []string{"document"},
		},
		OutputSchema: &contract.Schema{
			Type:       "object",
			Properties: map[string]*contract.Schema{"summary": {Type: "string"}},
			Required:   []string{"summary"},
		},
		Prompt: contract.PromptIR{
			Version: contract.IRVersion,
			Blocks: []contract.Block{
				{Kind: contract.BlockSystem, Text: "You summarize documents."},
				{Kind: contract.BlockInstruction, Text: "Summarize the document."},
			},
		},
		Defaults: contract.Params{Strategy: contract.StrategyBudgeted},
	}
}

func budgetedParams(iterations, subLM int64) contract.Params {
	return contract.Params{
		Strategy: contract.StrategyBudgeted,
		Budgets:  budget.Limits{MaxIterations: iterations, MaxSubLMCalls: subLM},
	}
}

func runMeter(params contract.Params) (*budget.Meter, *budget.Receipt) {
	return budget.NewMeter(params.Budgets), budget.NewReceipt("docs/Summarize.v1", contract.StrategyBudgeted, params.Budgets)
}

func TestRun_FailsClosedWithoutExplicitCeilings(t *testing.T) {
	model := llm.NewStaticClient()
	k := New(model, nil, NewMemBlobStore(), Config{})
	sig := kernelSignature()
	input := map[string]any{"document": "short"}

	cases := []struct {
		name   string
		params contract.Params
	}{
		{"no iteration ceiling", budgetedParams(0, 3)},
		{"no sublm ceiling", budgetedParams(5, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			meter, receipt := runMeter(tc.params)
			_, err := k.Run(context.Background(), sig, tc.params, input, meter, receipt)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "must be set explicitly")
			assert.Zero(t, model.Calls(), "setup failure must not reach the provider")
		})
	}
}

func TestRun_SixthActionHaltsAtIterationFive(t *testing.T) {
	// The controller never finishes: it keeps previewing the input.
	model := &llm.StaticClient{Respond: func(req llm.Request) (string, error) {
		return `{"kind":"preview","preview":{"var":"input.document"}}`, nil
	}}
	k := New(model, nil, NewMemBlobStore(), Config{})
	sig := kernelSignature()
	params := budgetedParams(5, 3)
	meter, receipt := runMeter(params)

	output, err := k.Run(context.Background(), sig, params, map[string]any{"document": "doc text"}, meter, receipt)
	require.Error(t, err)
	assert.Nil(t, output, "no final output may be produced")
	assert.ErrorIs(t, err, budget.ErrBudgetExceeded)

	var ex *budget.Exceeded
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, budget.CeilingIterations, ex.Ceiling)
	assert.Equal(t, int64(5), meter.Usage().Iterations, "halted at the ceiling, not past it")
	assert.Equal(t, 5, model.Calls())
}

func TestRun_PreviewThenFinal(t *testing.T) {
	step := 0
	model := &llm.StaticClient{Respond: func(req llm.Request) (string, error) {
		step++
		switch step {
		case 1:
			return `{"kind":"preview","preview":{"var":"input.document","max_bytes":16}}`, nil
		default:
			return `{"kind":"final","final":{"output":{"summary":"a short doc"}}}`, nil
		}
	}}
	blobs := NewMemBlobStore()
	k := New(model, nil, blobs, Config{BlobThreshold: 4})
	sig := kernelSignature()
	params := budgetedParams(10, 3)
	meter, receipt := runMeter(params)

	output, err := k.Run(context.Background(), sig, params, map[string]any{"document": "a long enough document body"}, meter, receipt)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"summary": "a short doc"}, output)

	// Input exceeded the blob threshold, so it was externalized and its
	// blob is linked from the receipt, together with the run trace.
	require.GreaterOrEqual(t, len(receipt.BlobIDs), 2)
	data, err := blobs.Get(context.Background(), receipt.BlobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "a long enough document body", string(data))

	// The second controller turn saw the preview text exactly once.
	reqs := model.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[1].Prompt, "## Last observation")
	assert.Contains(t, reqs[1].Prompt, "a long enough do")
	assert.NotContains(t, reqs[0].Prompt, "a long enough document body", "controller never sees raw content uninvited")
}

func TestRun_MalformedActionIsReportedAndBounded(t *testing.T) {
	step := 0
	model := &llm.StaticClient{Respond: func(req llm.Request) (string, error) {
		step++
		if step == 1 {
			return `{"kind":"teleport"}`, nil
		}
		return `{"kind":"final","final":{"output":{"summary":"ok"}}}`, nil
	}}
	k := New(model, nil, NewMemBlobStore(), Config{})
	sig := kernelSignature()
	params := budgetedParams(5, 3)
	meter, receipt := runMeter(params)

	output, err := k.Run(context.Background(), sig, params, map[string]any{"document": "d"}, meter, receipt)
	require.NoError(t, err)
	assert.Equal(t, "ok", output["summary"])
	assert.Equal(t, int64(2), meter.Usage().Iterations, "a malformed emission costs its iteration")
	assert.Contains(t, model.Requests()[1].Prompt, "unknown kind")
}

func TestStep_ChunkThenExtractCollectsByPosition(t *testing.T) {
	// The secondary model echoes each chunk reversed, so result order
	// proves position-indexed collection regardless of completion order.
	model := &llm.StaticClient{Respond: func(req llm.Request) (string, error) {
		i := strings.Index(req.Prompt, "## Chunk\n")
		if i < 0 {
			return "", errors.New("secondary call without a chunk section")
		}
		chunk := req.Prompt[i+len("## Chunk\n"):]
		runes := []rune(chunk)
		for l, r := 0, len(runes)-1; l < r; l, r = l+1, r-1 {
			runes[l], runes[r] = runes[r], runes[l]
		}
		return string(runes), nil
	}}
	blobs := NewMemBlobStore()
	k := New(model, nil, blobs, Config{ExtractConcurrency: 8})
	params := budgetedParams(10, 16)
	meter, _ := runMeter(params)

	st := NewState()
	st.Phase = PhaseIterating
	content := "abcdefghijkl" // 3 chunks of 4 bytes
	ref, err := blobs.Put(context.Background(), []byte(content), "text/plain")
	require.NoError(t, err)
	require.NoError(t, st.Vars.Set("doc", Value{Blob: &ref}))

	obs, err := k.Step(context.Background(), st, &Action{
		Kind:  ActionChunk,
		Chunk: &ChunkAction{Var: "doc", ChunkBytes: 4, Into: "chunks"},
	}, params, meter)
	require.NoError(t, err)
	assert.Empty(t, obs.Err)
	assert.Equal(t, TrustTrusted, obs.Trust)

	obs, err = k.Step(context.Background(), st, &Action{
		Kind:    ActionExtract,
		Extract: &ExtractAction{ChunksVar: "chunks", Prompt: "reverse", Into: "out"},
	}, params, meter)
	require.NoError(t, err)
	assert.Empty(t, obs.Err)

	v, err := st.Vars.Get("out")
	require.NoError(t, err)
	var results []string
	require.NoError(t, json.Unmarshal(v.JSON, &results))
	assert.Equal(t, []string{"dcba", "hgfe", "lkji"}, results)
	assert.Equal(t, int64(3), meter.Usage().SubLMCalls)
}

func TestStep_ExtractChargesEverySecondaryCall(t *testing.T) {
	model := &llm.StaticClient{Respond: func(req llm.Request) (string, error) {
		return "x", nil
	}}
	blobs := NewMemBlobStore()
	k := New(model, nil, blobs, Config{ExtractConcurrency: 1})
	params := budgetedParams(10, 2) // 3 chunks but only 2 secondary calls allowed
	meter, _ := runMeter(params)

	st := NewState()
	st.Phase = PhaseIterating
	ref, err := blobs.Put(context.Background(), []byte("abcdefghijkl"), "text/plain")
	require.NoError(t, err)
	require.NoError(t, st.Vars.Set("doc", Value{Blob: &ref}))

	_, err = k.Step(context.Background(), st, &Action{
		Kind:  ActionChunk,
		Chunk: &ChunkAction{Var: "doc", ChunkBytes: 4, Into: "chunks"},
	}, params, meter)
	require.NoError(t, err)

	_, err = k.Step(context.Background(), st, &Action{
		Kind:    ActionExtract,
		Extract: &ExtractAction{ChunksVar: "chunks", Prompt: "p", Into: "out"},
	}, params, meter)
	require.Error(t, err)
	assert.ErrorIs(t, err, budget.ErrBudgetExceeded)
	assert.LessOrEqual(t, meter.Usage().SubLMCalls, int64(2), "the ceiling is never exceeded")
}

func TestStep_RecoverableFailuresBecomeErrorObservations(t *testing.T) {
	k := New(llm.NewStaticClient(), nil, NewMemBlobStore(), Config{})
	params := budgetedParams(5, 3)
	meter, _ := runMeter(params)

	st := NewState()
	st.Phase = PhaseIterating

	obs, err := k.Step(context.Background(), st, &Action{
		Kind:    ActionPreview,
		Preview: &PreviewAction{Var: "missing"},
	}, params, meter)
	require.NoError(t, err, "unknown variable is recoverable")
	assert.Contains(t, obs.Err, "unknown variable")
	assert.False(t, st.Terminal())

	// Tool failures are recoverable too: the nop runner rejects the call
	// and the controller gets the failure as an observation.
	obs, err = k.Step(context.Background(), st, &Action{
		Kind:     ActionToolCall,
		ToolCall: &ToolCallAction{Name: "grep", Args: json.RawMessage(`{}`)},
	}, params, meter)
	require.NoError(t, err)
	assert.Contains(t, obs.Err, "tool failure")
	assert.Equal(t, int64(1), meter.Usage().ToolCalls)
}

func TestParseAction(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		a, err := ParseAction([]byte(`{"kind":"load","load":{"var":"doc","offset":0,"length":128}}`))
		require.NoError(t, err)
		assert.Equal(t, ActionLoad, a.Kind)
		assert.Equal(t, int64(128), a.Load.Length)
	})
	t.Run("unknown kind", func(t *testing.T) {
		_, err := ParseAction([]byte(`{"kind":"dance"}`))
		assert.ErrorContains(t, err, "unknown kind")
	})
	t.Run("missing variant", func(t *testing.T) {
		_, err := ParseAction([]byte(`{"kind":"preview"}`))
		assert.Error(t, err)
	})
	t.Run("two variants", func(t *testing.T) {
		_, err := ParseAction([]byte(`{"kind":"preview","preview":{"var":"a"},"search":{"var":"a","query":"q"}}`))
		assert.ErrorContains(t, err, "exactly one variant")
	})
	t.Run("unknown field", func(t *testing.T) {
		_, err := ParseAction([]byte(`{"kind":"preview","preview":{"var":"a"},"bogus":1}`))
		assert.Error(t, err)
	})
}

func TestExcerptKeepsRuneBoundaries(t *testing.T) {
	// Two-byte runes on both sides of the match; odd windows land the
	// byte offsets mid-rune.
	s := "ééééMATCHéééé"
	at := strings.Index(s, "MATCH")
	require.NotEqual(t, -1, at)

	for window := 0; window <= 10; window++ {
		got := excerpt(s, at, len("MATCH"), window)
		assert.True(t, utf8.ValidString(got), "window %d produced %q", window, got)
		assert.Contains(t, got, "MATCH")
	}

	// Bounds clamping still holds on short strings.
	assert.Equal(t, "é", excerpt("é", 0, len("é"), 100))
}

func TestObservationDigestOmitsRawText(t *testing.T) {
	o := Observation{
		Seq:        3,
		Action:     ActionLoad,
		Text:       strings.Repeat("secret ", 100),
		Provenance: &Provenance{Source: "input.document", Offset: 64, Length: 700},
		Trust:      TrustUntrusted,
	}
	d := o.Digest()
	assert.NotContains(t, d, "secret")
	assert.Contains(t, d, "input.document[64:764]")
	assert.Contains(t, d, "untrusted")
	assert.Contains(t, d, fmt.Sprintf("%d bytes", len(o.Text)))
}

func TestRun_ProviderFailureIsTerminal(t *testing.T) {
	model := &llm.StaticClient{Respond: func(req llm.Request) (string, error) {
		return "", &llm.ProviderError{Provider: "static", Cause: errors.New("boom")}
	}}
	k := New(model, nil, NewMemBlobStore(), Config{})
	sig := kernelSignature()
	params := budgetedParams(5, 3)
	meter, receipt := runMeter(params)

	_, err := k.Run(context.Background(), sig, params, map[string]any{"document": "d"}, meter, receipt)
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrProvider)
	assert.Equal(t, 1, model.Calls())
}
