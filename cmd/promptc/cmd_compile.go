package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"promptc/internal/compile"
	"promptc/internal/eval"
)

var compileCmd = &cobra.Command{
	Use:   "compile [job-file]",
	Short: "Compile a signature against a dataset",
	Long: `Runs an optimizer over the job's search space, scoring candidates
on the dataset's train split, and freezes the winner into a
content-addressed artifact with holdout evidence.

Compilation is idempotent: re-running the same job file against an
unchanged dataset returns the existing artifact without new provider
calls.

The job file is YAML:

  signature_id: qa/Answer.v1
  dataset_id: qa-golden
  metric_id: exact_match
  optimizer:
    id: instruction_grid
  search:
    temperatures: [0.0, 0.3]`,
	Args: cobra.ExactArgs(1),
	RunE: runCompile,
}

var (
	evalDatasetID  string
	evalSplit      string
	evalMetricID   string
	evalCompiledID string
)

var evalCmd = &cobra.Command{
	Use:   "eval [signature-id]",
	Short: "Evaluate a signature on a dataset split",
	Long: `Runs every example in the split through the pipeline and aggregates
scores. Results are cached by (signature, artifact, dataset hash,
split, metric); identical evaluations are served from the cache.

With --compiled the named artifact's params are pinned; otherwise the
signature defaults are used.`,
	Args: cobra.ExactArgs(1),
	RunE: runEval,
}

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Manage labeled datasets",
}

var datasetImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import a dataset from a YAML or JSON file",
	Args:  cobra.ExactArgs(1),
	RunE:  runDatasetImport,
}

var datasetShowCmd = &cobra.Command{
	Use:   "show [dataset-id]",
	Short: "Show a stored dataset's hash and split sizes",
	Args:  cobra.ExactArgs(1),
	RunE:  runDatasetShow,
}

var (
	exportDatasetID string
	exportSplit     string
	exportTags      []string
)

var datasetFromReceiptCmd = &cobra.Command{
	Use:   "from-receipt [receipt-id]",
	Short: "Append a successful receipt's input/output as a dataset example",
	Long: `Promotes a recorded invocation into a labeled example. Only
successful receipts qualify; re-exporting the same receipt is a no-op
that returns the existing example id.`,
	Args: cobra.ExactArgs(1),
	RunE: runDatasetFromReceipt,
}

func init() {
	evalCmd.Flags().StringVarP(&evalDatasetID, "dataset", "d", "", "Dataset id in the store (required)")
	evalCmd.Flags().StringVar(&evalSplit, "split", string(eval.SplitHoldout), "Split to evaluate (train or holdout)")
	evalCmd.Flags().StringVarP(&evalMetricID, "metric", "m", "exact_match", "Metric id")
	evalCmd.Flags().StringVar(&evalCompiledID, "compiled", "", "Pin a compiled artifact instead of defaults")
	evalCmd.MarkFlagRequired("dataset")

	datasetFromReceiptCmd.Flags().StringVarP(&exportDatasetID, "dataset", "d", "", "Target dataset id (required)")
	datasetFromReceiptCmd.Flags().StringVar(&exportSplit, "split", string(eval.SplitTrain), "Split for the new example")
	datasetFromReceiptCmd.Flags().StringSliceVar(&exportTags, "tag", nil, "Tags for the new example")
	datasetFromReceiptCmd.MarkFlagRequired("dataset")

	datasetCmd.AddCommand(datasetImportCmd)
	datasetCmd.AddCommand(datasetShowCmd)
	datasetCmd.AddCommand(datasetFromReceiptCmd)

	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(datasetCmd)
}

func runCompile(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read job file: %w", err)
	}
	var job compile.JobSpec
	if err := yaml.Unmarshal(data, &job); err != nil {
		return fmt.Errorf("failed to parse job file: %w", err)
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	ds, err := a.store.LoadDataset(ctx, job.DatasetID)
	if err != nil {
		return fmt.Errorf("dataset %q: %w", job.DatasetID, err)
	}

	art, err := a.compiler.Compile(ctx, job, ds)
	if err != nil {
		return fmt.Errorf("compile failed: %w", err)
	}

	fmt.Printf("Compiled %s\n", art.CompiledID)
	fmt.Printf("  signature: %s\n", art.SignatureID)
	fmt.Printf("  optimizer: %s\n", art.Provenance.OptimizerID)
	fmt.Printf("  train:     %.4f\n", art.Eval.TrainScore)
	fmt.Printf("  holdout:   %.4f (%d examples)\n", art.Eval.HoldoutScore, art.Eval.Examples)
	fmt.Printf("\nPromote with:\n  promptc promote %s %s\n", art.SignatureID, art.CompiledID)
	return nil
}

func runEval(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sig, err := a.catalog.Get(args[0])
	if err != nil {
		return err
	}
	metric, err := eval.MetricByID(evalMetricID)
	if err != nil {
		return err
	}
	ds, err := a.store.LoadDataset(ctx, evalDatasetID)
	if err != nil {
		return fmt.Errorf("dataset %q: %w", evalDatasetID, err)
	}

	params := sig.Defaults
	var compiledID *string
	if evalCompiledID != "" {
		art, err := a.store.Artifacts().Get(ctx, evalCompiledID)
		if err != nil {
			return err
		}
		params = art.Params
		compiledID = &art.CompiledID
	}

	report, err := a.eval.Evaluate(ctx, sig, params, compiledID, ds, eval.Split(evalSplit), metric)
	if err != nil {
		return fmt.Errorf("eval failed: %w", err)
	}

	fmt.Printf("Report for %s on %s/%s (%s)\n", args[0], evalDatasetID, evalSplit, evalMetricID)
	fmt.Printf("  aggregate: %.4f over %d examples\n", report.Aggregate, report.Count)
	fmt.Printf("  scores:    min=%.4f median=%.4f max=%.4f\n", report.Scores.Min, report.Scores.Median, report.Scores.Max)
	if len(report.Failures) > 0 {
		fmt.Println("  failures:")
		for kind, n := range report.Failures {
			fmt.Printf("    %-18s %d\n", kind, n)
		}
	}
	return nil
}

func runDatasetImport(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read dataset file: %w", err)
	}

	var ds eval.Dataset
	if strings.HasSuffix(args[0], ".json") {
		err = json.Unmarshal(data, &ds)
	} else {
		err = yaml.Unmarshal(data, &ds)
	}
	if err != nil {
		return fmt.Errorf("failed to parse dataset file: %w", err)
	}
	if ds.ID == "" {
		return fmt.Errorf("dataset file must set an id")
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.SaveDataset(ctx, &ds); err != nil {
		return fmt.Errorf("failed to save dataset: %w", err)
	}
	hash, err := ds.Hash()
	if err != nil {
		return err
	}
	fmt.Printf("Imported dataset %s (%d examples, hash %s)\n", ds.ID, len(ds.Examples), hash)
	return nil
}

func runDatasetShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	ds, err := a.store.LoadDataset(ctx, args[0])
	if err != nil {
		return err
	}
	hash, err := ds.Hash()
	if err != nil {
		return err
	}

	fmt.Printf("Dataset %s\n", ds.ID)
	fmt.Printf("  hash:     %s\n", hash)
	fmt.Printf("  examples: %d\n", len(ds.Examples))
	fmt.Printf("  train:    %d\n", len(ds.BySplit(eval.SplitTrain)))
	fmt.Printf("  holdout:  %d\n", len(ds.BySplit(eval.SplitHoldout)))
	return nil
}

func runDatasetFromReceipt(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	receipt, err := a.store.GetReceipt(ctx, args[0])
	if err != nil {
		return err
	}

	exampleID, err := a.store.ExportReceipt(ctx, exportDatasetID, receipt, eval.Split(exportSplit), exportTags)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	fmt.Printf("Example %s in dataset %s\n", exampleID, exportDatasetID)
	return nil
}
