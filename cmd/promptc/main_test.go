package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadInputObject_Inline(t *testing.T) {
	input, err := readInputObject(`{"question":"why"}`, "")
	require.NoError(t, err)
	assert.Equal(t, "why", input["question"])
}

func TestReadInputObject_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"document":"text"}`), 0o644))

	input, err := readInputObject("", path)
	require.NoError(t, err)
	assert.Equal(t, "text", input["document"])
}

func TestReadInputObject_Rejections(t *testing.T) {
	_, err := readInputObject("", "")
	assert.Error(t, err, "no source")

	_, err = readInputObject(`{}`, "also.json")
	assert.Error(t, err, "two sources")

	_, err = readInputObject(`[1,2]`, "")
	assert.Error(t, err, "not an object")
}

func TestCommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "predict", "compile", "eval", "dataset", "promote", "rollback", "canary", "history", "receipts", "init", "status"} {
		assert.True(t, names[want], "command %s", want)
	}
}
