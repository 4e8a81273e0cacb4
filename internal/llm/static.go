package llm

import (
	"context"
	"fmt"
	"sync"
)

// StaticClient replays canned responses in order. It backs the offline
// provider mode and the test suites; requests are recorded for inspection.
type StaticClient struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	next      int
	requests  []Request

	// Respond, when set, overrides the canned list and computes a response
	// from the request.
	Respond func(req Request) (string, error)
}

// NewStaticClient returns a client that replies with each response once,
// in order.
func NewStaticClient(responses ...string) *StaticClient {
	return &StaticClient{responses: responses, errs: make([]error, len(responses))}
}

// Queue appends a response.
func (c *StaticClient) Queue(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, text)
	c.errs = append(c.errs, nil)
}

// QueueError appends a failure.
func (c *StaticClient) QueueError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, "")
	c.errs = append(c.errs, err)
}

// Complete implements ModelClient.
func (c *StaticClient) Complete(_ context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)

	if c.Respond != nil {
		text, err := c.Respond(req)
		if err != nil {
			return nil, err
		}
		return &Response{Text: text}, nil
	}

	if c.next >= len(c.responses) {
		return nil, &ProviderError{Provider: "static", Cause: fmt.Errorf("no response queued for call %d", c.next+1)}
	}
	i := c.next
	c.next++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	return &Response{Text: c.responses[i]}, nil
}

// Calls returns how many completions were requested.
func (c *StaticClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Requests returns the recorded requests in call order.
func (c *StaticClient) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, len(c.requests))
	copy(out, c.requests)
	return out
}
