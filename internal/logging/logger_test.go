package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize(t *testing.T) {
	t.Run("rejects unknown level", func(t *testing.T) {
		err := Initialize(Options{Level: "verbose"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown log level")
	})

	t.Run("writes to file sink", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "promptc.log")
		require.NoError(t, Initialize(Options{Level: "debug", File: path}))

		Get(CategoryBoot).Infow("boot message", "version", "test")
		Sync()

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "boot message")
		assert.Contains(t, string(data), string(CategoryBoot))
	})
}

func TestGet_ReturnsSameLoggerPerCategory(t *testing.T) {
	require.NoError(t, Initialize(Options{Level: "info"}))

	a := Get(CategoryPredict)
	b := Get(CategoryPredict)
	assert.Same(t, a, b)

	c := Get(CategoryEval)
	assert.NotSame(t, a, c)
}

func TestSetLevel(t *testing.T) {
	require.NoError(t, Initialize(Options{Level: "info"}))

	require.NoError(t, SetLevel("error"))
	require.Error(t, SetLevel("loud"))
}
