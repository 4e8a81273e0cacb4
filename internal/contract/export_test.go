package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSignature() *Signature {
	return &Signature{
		ID: "qa/Answer.v1",
		InputSchema: &Schema{
			Type: "object",
			Properties: map[string]*Schema{
				"question": {Type: "string"},
			},
			Required: []string{"question"},
		},
		OutputSchema: &Schema{
			Type: "object",
			Properties: map[string]*Schema{
				"answer": {Type: "string"},
			},
			Required: []string{"answer"},
		},
		Prompt: PromptIR{
			Version: IRVersion,
			Blocks: []Block{
				{Kind: BlockSystem, Text: "You answer questions precisely."},
				{Kind: BlockInstruction, Text: "Answer the question."},
				{Kind: BlockOutputFormat, Strict: true},
			},
		},
		Defaults: Params{Strategy: StrategyDirect},
		InstructionVariants: map[string]string{
			"base":     "Answer the question.",
			"stepwise": "Answer the question. Think step by step.",
		},
		FewShotPool: []FewShotExample{
			{ID: "fs1", Input: map[string]any{"question": "2+2?"}, Output: map[string]any{"answer": "4"}},
			{ID: "fs2", Input: map[string]any{"question": "capital of France?"}, Output: map[string]any{"answer": "Paris"}},
		},
	}
}

func TestExportContract(t *testing.T) {
	t.Run("is deterministic", func(t *testing.T) {
		sig := testSignature()

		a, err := ExportContract(sig)
		require.NoError(t, err)
		b, err := ExportContract(sig)
		require.NoError(t, err)

		ja, err := a.MarshalCanonical()
		require.NoError(t, err)
		jb, err := b.MarshalCanonical()
		require.NoError(t, err)
		assert.Equal(t, string(ja), string(jb))
		assert.NotEmpty(t, a.PromptIRHash)
		assert.NotEmpty(t, a.OutputSchemaHash)
	})

	t.Run("rejects undescribable schema", func(t *testing.T) {
		sig := testSignature()
		sig.OutputSchema = &Schema{Type: "array"} // no items

		_, err := ExportContract(sig)
		require.Error(t, err)

		var exportErr *ContractExportError
		require.ErrorAs(t, err, &exportErr)
		assert.Equal(t, "qa/Answer.v1", exportErr.SignatureID)
	})
}

func TestSignature_Validate(t *testing.T) {
	t.Run("rejects malformed id", func(t *testing.T) {
		sig := testSignature()
		sig.ID = "Answer-v1"
		assert.Error(t, sig.Validate())
	})

	t.Run("rejects unknown strategy", func(t *testing.T) {
		sig := testSignature()
		sig.Defaults.Strategy = "recursive"
		assert.Error(t, sig.Validate())
	})
}

func TestSignature_FewShotByID(t *testing.T) {
	sig := testSignature()

	got, err := sig.FewShotByID([]string{"fs2", "fs1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Returned in id order regardless of request order.
	assert.Equal(t, "fs1", got[0].ID)

	_, err = sig.FewShotByID([]string{"fs9"})
	assert.Error(t, err)
}

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register(testSignature()))

	err := c.Register(testSignature())
	assert.Error(t, err, "duplicate registration must fail")

	sig, err := c.Get("qa/Answer.v1")
	require.NoError(t, err)
	assert.Equal(t, "qa/Answer.v1", sig.ID)

	_, err = c.Get("qa/Missing.v1")
	assert.Error(t, err)
}

func TestSchema_Validate(t *testing.T) {
	schema := &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"answer":     {Type: "string"},
			"confidence": {Type: "number"},
			"sources":    {Type: "array", Items: &Schema{Type: "string"}},
		},
		Required: []string{"answer"},
	}

	require.NoError(t, schema.Validate(map[string]any{
		"answer":     "Paris",
		"confidence": 0.9,
		"sources":    []any{"wiki"},
	}))

	err := schema.Validate(map[string]any{"confidence": 0.9})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "answer")

	err = schema.Validate(map[string]any{"answer": 42})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected string")
}
