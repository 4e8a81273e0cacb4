// Package predict implements the bounded execution pipeline: resolve the
// routed artifact, apply its params to the prompt IR, render, invoke the
// model provider, decode into the typed output, and emit a receipt.
package predict

import (
	"fmt"

	"promptc/internal/contract"
)

// ApplyParams rewrites a signature's Prompt IR with the artifact's params
// using the allow-listed transform set only: instruction substitution,
// few-shot selection, tool-policy narrowing, and output-format tightening.
// Arbitrary rewriting is not possible through this path.
func ApplyParams(sig *contract.Signature, params contract.Params) (contract.PromptIR, error) {
	ir := sig.Prompt.Clone()

	// Instruction substitution: the variant must come from the signature's
	// declared variant table.
	if params.InstructionVariant != "" {
		text, ok := sig.InstructionVariants[params.InstructionVariant]
		if !ok {
			return contract.PromptIR{}, fmt.Errorf("signature %s: unknown instruction variant %q",
				sig.ID, params.InstructionVariant)
		}
		i := ir.FindBlock(contract.BlockInstruction)
		if i < 0 {
			return contract.PromptIR{}, fmt.Errorf("signature %s: prompt has no instruction block", sig.ID)
		}
		ir.Blocks[i].Text = text
	}

	// Few-shot selection from the signature's pool.
	if len(params.FewShotIDs) > 0 {
		examples, err := sig.FewShotByID(params.FewShotIDs)
		if err != nil {
			return contract.PromptIR{}, err
		}
		if i := ir.FindBlock(contract.BlockFewShot); i >= 0 {
			ir.Blocks[i].Examples = examples
		} else {
			block := contract.Block{Kind: contract.BlockFewShot, Examples: examples}
			ir.Blocks = insertBeforeOutputFormat(ir.Blocks, block)
		}
	}

	// Tool-policy narrowing: intersection only, never widening.
	if params.Tools != nil {
		i := ir.FindBlock(contract.BlockToolPolicy)
		if i < 0 {
			return contract.PromptIR{}, fmt.Errorf("signature %s: params narrow tools but prompt has no tool policy", sig.ID)
		}
		narrowed := ir.Blocks[i].Tools.Narrow(params.Tools.Keep, params.Tools.MaxToolCalls)
		ir.Blocks[i].Tools = &narrowed
	}

	// Output-format tightening: strict may be turned on, never off.
	if i := ir.FindBlock(contract.BlockOutputFormat); i >= 0 {
		ir.Blocks[i].Strict = true
	}

	return ir, nil
}

func insertBeforeOutputFormat(blocks []contract.Block, block contract.Block) []contract.Block {
	for i, b := range blocks {
		if b.Kind == contract.BlockOutputFormat {
			out := make([]contract.Block, 0, len(blocks)+1)
			out = append(out, blocks[:i]...)
			out = append(out, block)
			out = append(out, blocks[i:]...)
			return out
		}
	}
	return append(blocks, block)
}
