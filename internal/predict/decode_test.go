package predict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptc/internal/contract"
)

func answerSchema() *contract.Schema {
	return &contract.Schema{
		Type: "object",
		Properties: map[string]*contract.Schema{
			"answer": {Type: "string"},
		},
		Required: []string{"answer"},
	}
}

func TestDecode(t *testing.T) {
	schema := answerSchema()

	t.Run("strict parse", func(t *testing.T) {
		out, err := Decode(`{"answer":"Paris"}`, schema)
		require.NoError(t, err)
		assert.Equal(t, "Paris", out["answer"])
	})

	t.Run("strips code fences", func(t *testing.T) {
		out, err := Decode("```json\n{\"answer\":\"Paris\"}\n```", schema)
		require.NoError(t, err)
		assert.Equal(t, "Paris", out["answer"])
	})

	t.Run("tolerant parse finds embedded object", func(t *testing.T) {
		out, err := Decode(`Sure! Here is the result: {"answer":"Paris"} Hope that helps.`, schema)
		require.NoError(t, err)
		assert.Equal(t, "Paris", out["answer"])
	})

	t.Run("tolerant parse honors braces inside strings", func(t *testing.T) {
		out, err := Decode(`prefix {"answer":"curly } brace"} suffix`, schema)
		require.NoError(t, err)
		assert.Equal(t, "curly } brace", out["answer"])
	})

	t.Run("schema violation is a decode error", func(t *testing.T) {
		_, err := Decode(`{"answer":42}`, schema)
		require.Error(t, err)
		var de *DecodeError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "schema", de.Stage)
	})

	t.Run("no JSON at all", func(t *testing.T) {
		_, err := Decode(`I cannot answer that.`, schema)
		require.Error(t, err)
		var de *DecodeError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "parse", de.Stage)
	})
}
