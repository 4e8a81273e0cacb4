package kernel

import "fmt"

// Trust labels where an observation's content came from. Kernel status
// messages are trusted; anything derived from input data, model output
// or tool results is not.
type Trust string

const (
	TrustTrusted   Trust = "trusted"
	TrustUntrusted Trust = "untrusted"
)

// Provenance locates an observation's content in its source.
type Provenance struct {
	Source string `json:"source"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// Observation is what one action returned to the controller. The full
// Text is shown to the controller exactly once, on the iteration that
// produced it; afterwards only Digest() persists in visible state.
type Observation struct {
	Seq        int         `json:"seq"`
	Action     ActionKind  `json:"action"`
	Text       string      `json:"text,omitempty"`
	Provenance *Provenance `json:"provenance,omitempty"`
	Trust      Trust       `json:"trust"`
	Err        string      `json:"err,omitempty"`
}

// Digest is the size/provenance summary that replaces raw text on later
// iterations, keeping controller-visible history bounded.
func (o Observation) Digest() string {
	if o.Err != "" {
		return fmt.Sprintf("#%d %s failed: %s", o.Seq, o.Action, o.Err)
	}
	if o.Provenance != nil {
		return fmt.Sprintf("#%d %s -> %d bytes from %s[%d:%d] (%s)",
			o.Seq, o.Action, len(o.Text), o.Provenance.Source,
			o.Provenance.Offset, o.Provenance.Offset+o.Provenance.Length, o.Trust)
	}
	return fmt.Sprintf("#%d %s -> %d bytes (%s)", o.Seq, o.Action, len(o.Text), o.Trust)
}
