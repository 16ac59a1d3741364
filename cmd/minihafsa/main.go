// Package main provides the minihafsa binary entry point.
// Minihafsa is an autonomous task orchestrator: a scheduling loop scans
// a folder vault for task documents, dispatches them to
// capability-routed agents with retries, and holds risky actions until
// a person approves them.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/syedahafsa12/minihafsa/config"
)

// Overridable at build time via -ldflags "-X main.Version=...".
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "minihafsa"

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	vaultPath  string
}

func rootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Autonomous task orchestrator",
		Long: `Minihafsa is an autonomous task orchestrator.

Task documents dropped into the vault's Needs_Action folder are scanned,
prioritised, and dispatched to registered agents with retries and
timeouts. Tasks flagged as requiring approval wait in Pending_Approval
until a person decides; every state change is a folder move, so the
vault stays inspectable with nothing but a file browser.`,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.vaultPath, "vault", "", "Vault path override")

	cmd.AddCommand(runCmd(opts))
	cmd.AddCommand(versionCmd())
	cmd.AddCommand(approveCmd(opts))
	cmd.AddCommand(rejectCmd(opts))
	cmd.AddCommand(approvalsCmd(opts))

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

// buildLogger configures slog per the --log-level flag and installs it
// as the process default.
func buildLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// loadConfig resolves the config file and applies flag overrides.
func loadConfig(opts *rootOptions, logger *slog.Logger) (*config.Config, error) {
	loader := config.NewLoader(logger)
	cfg, err := loader.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if opts.vaultPath != "" {
		override := &config.Config{}
		override.Loop.VaultPath = opts.vaultPath
		cfg.Merge(override)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}

	return cfg, nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║            Minihafsa v" + Version + "                    ║")
	fmt.Println("║        Autonomous Task Orchestrator           ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
