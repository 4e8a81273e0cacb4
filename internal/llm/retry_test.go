package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryClient(t *testing.T) {
	ctx := context.Background()

	t.Run("retries provider failures up to the bound", func(t *testing.T) {
		inner := NewStaticClient()
		inner.QueueError(&ProviderError{Provider: "static", Cause: fmt.Errorf("boom")})
		inner.Queue(`{"ok":true}`)

		client := NewRetryClient(inner, 2, time.Millisecond)
		resp, err := client.Complete(ctx, Request{Prompt: "p"})
		require.NoError(t, err)
		assert.Equal(t, `{"ok":true}`, resp.Text)
		assert.Equal(t, 2, inner.Calls())
	})

	t.Run("gives up after bounded attempts", func(t *testing.T) {
		inner := NewStaticClient()
		for i := 0; i < 5; i++ {
			inner.QueueError(&ProviderError{Provider: "static", Cause: fmt.Errorf("down")})
		}

		client := NewRetryClient(inner, 2, time.Millisecond)
		_, err := client.Complete(ctx, Request{Prompt: "p"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrProvider))
		assert.Equal(t, 3, inner.Calls())
	})

	t.Run("does not retry non-provider errors", func(t *testing.T) {
		inner := NewStaticClient()
		inner.QueueError(fmt.Errorf("schema rejected"))

		client := NewRetryClient(inner, 3, time.Millisecond)
		_, err := client.Complete(ctx, Request{Prompt: "p"})
		require.Error(t, err)
		assert.Equal(t, 1, inner.Calls())
	})

	t.Run("stops when context is canceled", func(t *testing.T) {
		inner := NewStaticClient()
		inner.QueueError(&ProviderError{Provider: "static", Cause: fmt.Errorf("down")})

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		client := NewRetryClient(inner, 3, time.Millisecond)
		_, err := client.Complete(cctx, Request{Prompt: "p"})
		require.Error(t, err)
		assert.Equal(t, 1, inner.Calls())
	})
}
