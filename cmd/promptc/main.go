package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"promptc/internal/config"
	"promptc/internal/logging"
)

var (
	// Global flags
	configPath string
	verbose    bool
	timeout    time.Duration

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "promptc",
	Short: "promptc - compiler and runtime for typed LLM signatures",
	Long: `promptc treats prompts as compiled, versioned artifacts instead of
hand-edited strings.

A signature declares typed inputs, typed outputs, and a prompt IR. The
compiler searches instruction variants, few-shot selections, and decode
knobs against a labeled dataset, then freezes the winner into a
content-addressed artifact. The registry routes production traffic to
promoted artifacts with gates, canaries, and one-step rollback.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if err := logging.Initialize(logging.Options{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			File:   cfg.Logging.File,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// initCmd writes a starter config file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Creates the config file at the --config path with documented
defaults. Existing files are never overwritten.`,
	RunE: runInit,
}

// statusCmd shows effective configuration and store contents
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show effective configuration and store summary",
	RunE:  showStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".promptc/config.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		return nil
	}
	def := config.DefaultConfig()
	if err := def.Save(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Wrote default config to %s\n", configPath)
	fmt.Println("Set GEMINI_API_KEY (or provider.api_key) before running predict.")
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("promptc status")
	fmt.Println("==============")
	fmt.Printf("Provider:  %s (%s)\n", cfg.Provider.Name, cfg.Provider.Model)
	if cfg.Provider.APIKey != "" {
		fmt.Println("API key:   configured")
	} else {
		fmt.Println("API key:   not configured")
	}
	fmt.Printf("Store:     %s\n", cfg.Store.DatabasePath)
	fmt.Printf("Contracts: %s\n", cfg.Contracts.Dir)
	fmt.Printf("Admin:     %s\n", cfg.Admin.Addr)

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	ids := a.catalog.IDs()
	fmt.Printf("\nSignatures (%d):\n", len(ids))
	for _, id := range ids {
		line := "  " + id
		if p, err := a.registry.Resolve(cmd.Context(), id); err == nil {
			line += fmt.Sprintf("  active=%s v%d", p.ActiveID, p.Version)
			if p.Canary != nil {
				line += fmt.Sprintf("  canary=%s@%d%%", p.Canary.CompiledID, p.Canary.RolloutPct)
			}
		}
		fmt.Println(line)
	}
	return nil
}
