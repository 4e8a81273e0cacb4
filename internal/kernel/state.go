package kernel

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Phase is the run state machine. Final, BudgetExceeded and Error are
// terminal.
type Phase string

const (
	PhaseInit           Phase = "init"
	PhaseIterating      Phase = "iterating"
	PhaseFinal          Phase = "final"
	PhaseBudgetExceeded Phase = "budget_exceeded"
	PhaseError          Phase = "error"
)

// State is the externalized run state the step function advances.
// Everything the controller is allowed to see again lives here; raw
// observation text from earlier iterations does not.
type State struct {
	RunID string
	Phase Phase
	Vars  *VarSpace

	// History holds digests only. The latest full observation is kept
	// separately and shown to the controller exactly once.
	History []string
	Last    *Observation

	Output map[string]any

	seq int
}

func NewState() *State {
	return &State{
		RunID: uuid.NewString(),
		Phase: PhaseInit,
		Vars:  NewVarSpace(),
	}
}

// NextSeq hands out the monotonic per-run sequence number.
func (s *State) NextSeq() int {
	s.seq++
	return s.seq
}

// Observe appends an observation: its digest joins the history and it
// becomes the single full-text observation visible next iteration.
func (s *State) Observe(o *Observation) {
	s.History = append(s.History, o.Digest())
	s.Last = o
}

func (s *State) Terminal() bool {
	switch s.Phase {
	case PhaseFinal, PhaseBudgetExceeded, PhaseError:
		return true
	}
	return false
}

// TraceEvent records one step for replay. Events are append-only and
// ordered by Seq; timestamps are deliberately absent so a replay of the
// same recorded actions is byte-identical.
type TraceEvent struct {
	Seq         int             `json:"seq"`
	Kind        ActionKind      `json:"kind"`
	Action      json.RawMessage `json:"action"`
	Observation string          `json:"observation"`
}

type Trace struct {
	RunID  string       `json:"run_id"`
	Events []TraceEvent `json:"events"`
}
