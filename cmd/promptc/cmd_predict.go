package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"promptc/internal/budget"
)

var (
	predictInput     string
	predictInputFile string
	predictKey       string
)

var predictCmd = &cobra.Command{
	Use:   "predict [signature-id]",
	Short: "Run one prediction through the active artifact",
	Long: `Resolves the signature's registry pointer, renders the compiled
prompt, calls the provider, and decodes the typed output.

Signatures without a promoted artifact run on their declared defaults.

Example:
  promptc predict qa/Answer.v1 --input '{"question":"What is promptc?"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runPredict,
}

func init() {
	predictCmd.Flags().StringVarP(&predictInput, "input", "i", "", "Input object as JSON")
	predictCmd.Flags().StringVar(&predictInputFile, "input-file", "", "Input object from a JSON file")
	predictCmd.Flags().StringVar(&predictKey, "request-key", "", "Stable key for canary bucketing (default: random)")
	rootCmd.AddCommand(predictCmd)
}

func runPredict(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	input, err := readInputObject(predictInput, predictInputFile)
	if err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	output, receipt, err := a.pipeline.Predict(ctx, args[0], input, predictKey)
	if receipt != nil {
		defer printReceiptSummary(receipt)
	}
	if err != nil {
		return fmt.Errorf("predict failed: %w", err)
	}

	out, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func printReceiptSummary(r *budget.Receipt) {
	fmt.Fprintf(os.Stderr, "receipt %s  outcome=%s  model_calls=%d  elapsed=%dms\n",
		r.ID, r.Outcome, r.Usage.ModelCalls, r.Usage.ElapsedMs)
}

// readInputObject decodes the input object from --input or --input-file.
// Exactly one source is allowed; an empty object is never implied.
func readInputObject(inline, file string) (map[string]any, error) {
	var raw []byte
	switch {
	case inline != "" && file != "":
		return nil, fmt.Errorf("use --input or --input-file, not both")
	case inline != "":
		raw = []byte(inline)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		raw = data
	default:
		return nil, fmt.Errorf("an input object is required (--input or --input-file)")
	}

	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return input, nil
}
