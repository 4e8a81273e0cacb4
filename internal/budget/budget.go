// Package budget enforces the resource ceilings that bound every invocation:
// wall time, model/tool call counts, kernel iteration counts, and output size.
// Exceeding any ceiling is a typed, terminal failure; nothing is silently
// truncated.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBudgetExceeded is the sentinel for every ceiling violation. Use
// errors.Is against it; the concrete *Exceeded carries which ceiling hit.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Ceiling names used in Exceeded and in receipts.
const (
	CeilingTime       = "time"
	CeilingModelCalls = "model_calls"
	CeilingToolCalls  = "tool_calls"
	CeilingSubLMCalls = "sublm_calls"
	CeilingIterations = "iterations"
	CeilingOutputSize = "output_bytes"
)

// Exceeded reports which ceiling was hit and by how much.
type Exceeded struct {
	Ceiling string
	Limit   int64
	Used    int64
}

func (e *Exceeded) Error() string {
	return fmt.Sprintf("budget exceeded: %s used %d of limit %d", e.Ceiling, e.Used, e.Limit)
}

func (e *Exceeded) Unwrap() error { return ErrBudgetExceeded }

// Limits declares the ceilings for one run. A zero value means "unlimited"
// for that ceiling, except where a component demands an explicit value
// (the execution kernel fails closed on zero iteration/sub-call limits).
type Limits struct {
	MaxTimeMs         int64 `json:"max_time_ms,omitempty" yaml:"max_time_ms"`
	MaxModelCalls     int64 `json:"max_model_calls,omitempty" yaml:"max_model_calls"`
	MaxToolCalls      int64 `json:"max_tool_calls,omitempty" yaml:"max_tool_calls"`
	MaxSubLMCalls     int64 `json:"max_sublm_calls,omitempty" yaml:"max_sublm_calls"`
	MaxIterations     int64 `json:"max_iterations,omitempty" yaml:"max_iterations"`
	MaxOutputBytes    int64 `json:"max_output_bytes,omitempty" yaml:"max_output_bytes"`
	MaxRepairAttempts int64 `json:"max_repair_attempts,omitempty" yaml:"max_repair_attempts"`
}

// Usage is a snapshot of consumed budget.
type Usage struct {
	ElapsedMs      int64 `json:"elapsed_ms"`
	ModelCalls     int64 `json:"model_calls"`
	ToolCalls      int64 `json:"tool_calls"`
	SubLMCalls     int64 `json:"sublm_calls"`
	Iterations     int64 `json:"iterations"`
	OutputBytes    int64 `json:"output_bytes"`
	RepairAttempts int64 `json:"repair_attempts"`
}

// Meter tracks usage against Limits for one run. Safe for concurrent use:
// the kernel fan-out charges secondary calls from multiple goroutines.
type Meter struct {
	mu     sync.Mutex
	limits Limits
	start  time.Time
	usage  Usage
	now    func() time.Time
}

// NewMeter starts a meter for one run.
func NewMeter(limits Limits) *Meter {
	return &Meter{limits: limits, start: time.Now(), now: time.Now}
}

// Limits returns the declared ceilings.
func (m *Meter) Limits() Limits { return m.limits }

// Usage returns a snapshot of consumption so far.
func (m *Meter) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usage
	u.ElapsedMs = m.now().Sub(m.start).Milliseconds()
	return u
}

// CheckTime fails once elapsed wall time passes MaxTimeMs.
func (m *Meter) CheckTime() error {
	if m.limits.MaxTimeMs <= 0 {
		return nil
	}
	elapsed := m.now().Sub(m.start).Milliseconds()
	if elapsed > m.limits.MaxTimeMs {
		return &Exceeded{Ceiling: CeilingTime, Limit: m.limits.MaxTimeMs, Used: elapsed}
	}
	return nil
}

// Deadline derives a context deadline from remaining run time. The returned
// cancel must always be called.
func (m *Meter) Deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.limits.MaxTimeMs <= 0 {
		return context.WithCancel(ctx)
	}
	deadline := m.start.Add(time.Duration(m.limits.MaxTimeMs) * time.Millisecond)
	return context.WithDeadline(ctx, deadline)
}

func (m *Meter) charge(ceiling string, used *int64, limit int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > 0 && *used >= limit {
		return &Exceeded{Ceiling: ceiling, Limit: limit, Used: *used + 1}
	}
	*used++
	return nil
}

// ChargeModelCall reserves one primary model call.
func (m *Meter) ChargeModelCall() error {
	return m.charge(CeilingModelCalls, &m.usage.ModelCalls, m.limits.MaxModelCalls)
}

// ChargeToolCall reserves one tool call.
func (m *Meter) ChargeToolCall() error {
	return m.charge(CeilingToolCalls, &m.usage.ToolCalls, m.limits.MaxToolCalls)
}

// ChargeSubLMCall reserves one secondary model call (kernel fan-out).
func (m *Meter) ChargeSubLMCall() error {
	return m.charge(CeilingSubLMCalls, &m.usage.SubLMCalls, m.limits.MaxSubLMCalls)
}

// ChargeIteration reserves one kernel controller iteration.
func (m *Meter) ChargeIteration() error {
	return m.charge(CeilingIterations, &m.usage.Iterations, m.limits.MaxIterations)
}

// ChargeRepairAttempt reserves one decode-repair attempt.
func (m *Meter) ChargeRepairAttempt() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limits.MaxRepairAttempts > 0 && m.usage.RepairAttempts >= m.limits.MaxRepairAttempts {
		return &Exceeded{
			Ceiling: "repair_attempts",
			Limit:   m.limits.MaxRepairAttempts,
			Used:    m.usage.RepairAttempts + 1,
		}
	}
	m.usage.RepairAttempts++
	return nil
}

// RecordOutput accounts produced output bytes and fails once the total
// passes MaxOutputBytes.
func (m *Meter) RecordOutput(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.OutputBytes += int64(n)
	if m.limits.MaxOutputBytes > 0 && m.usage.OutputBytes > m.limits.MaxOutputBytes {
		return &Exceeded{
			Ceiling: CeilingOutputSize,
			Limit:   m.limits.MaxOutputBytes,
			Used:    m.usage.OutputBytes,
		}
	}
	return nil
}
