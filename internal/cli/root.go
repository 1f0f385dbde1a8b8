// Package cli wires the mcptap commands. Exit codes follow one
// convention across commands: 0 clean, 1 drift or failure detected,
// 2 usage error.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/felipestenzel/mcp-tap/internal/clientcfg"
	"github.com/felipestenzel/mcp-tap/internal/observability"
	"github.com/felipestenzel/mcp-tap/internal/observability/logging"
	otelobs "github.com/felipestenzel/mcp-tap/internal/observability/otel"
	"github.com/felipestenzel/mcp-tap/internal/observability/receipt"
	"github.com/felipestenzel/mcp-tap/internal/policy"
	"github.com/felipestenzel/mcp-tap/internal/version"
	"github.com/spf13/cobra"
)

const (
	defaultLockfilePath = "mcp-lock.json"
	defaultTimeout      = 15 * time.Second
)

// ANSI color codes
const (
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorReset  = "\033[0m"
)

var (
	lockfileFlag  string
	clientFlag    string
	configFlag    string
	logLevelFlag  string
	logOutputFlag string
	receiptFlag   string

	otelEnabledFlag  bool
	otelEndpointFlag string
	otelProtocolFlag string
	otelInsecureFlag bool

	otelHandle    *otelobs.Handle
	rootLogger    logging.Logger
	receiptWriter receipt.Writer
)

var rootCmd = &cobra.Command{
	Use:   "mcptap",
	Short: "Lockfile-driven state manager for MCP servers",
	Long: `mcptap keeps the MCP servers your agents depend on in a committed
lockfile, detects drift between that lockfile and the live client
configs, and restores or heals what broke.`,
	Version:           version.BuildVersion(),
	SilenceUsage:      true,
	PersistentPreRunE: setupRun,
	PersistentPostRun: teardownRun,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&lockfileFlag, "lockfile", "l", defaultLockfilePath, "Path to the lockfile")
	rootCmd.PersistentFlags().StringVar(&clientFlag, "client", "project", "Host client whose config to manage (project, claude, cursor)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Explicit client config path (overrides --client)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logOutputFlag, "log-output", "stderr", "Log destination (stderr or a file path)")
	rootCmd.PersistentFlags().StringVar(&receiptFlag, "receipt", "", "Append an audit receipt for this run to the given JSONL file")
	rootCmd.PersistentFlags().BoolVar(&otelEnabledFlag, "otel", false, "Enable OpenTelemetry tracing")
	rootCmd.PersistentFlags().StringVar(&otelEndpointFlag, "otel-endpoint", "", "OTLP endpoint (defaults per protocol)")
	rootCmd.PersistentFlags().StringVar(&otelProtocolFlag, "otel-protocol", otelobs.ProtocolHTTP, "OTLP protocol (otlphttp or otlpgrpc)")
	rootCmd.PersistentFlags().BoolVar(&otelInsecureFlag, "otel-insecure", false, "Allow insecure OTLP connections")

	rootCmd.AddCommand(GetVerifyCmd())
	rootCmd.AddCommand(GetRestoreCmd())
	rootCmd.AddCommand(GetTestCmd())
	rootCmd.AddCommand(GetLockCmd())
	rootCmd.AddCommand(GetUnlockCmd())
}

// setupRun builds the per-invocation context: logger, operation ID,
// and optionally a tracer handle.
func setupRun(cmd *cobra.Command, args []string) error {
	log, err := logging.NewLogger(logging.Config{
		Format: "jsonl",
		Level:  logLevelFlag,
		Output: logOutputFlag,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	rootLogger = log

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = observability.WithOpID(ctx)
	ctx = logging.WithLogger(ctx, log)

	if receiptFlag != "" {
		w, err := receipt.NewWriter(receiptFlag)
		if err != nil {
			return fmt.Errorf("init receipts: %w", err)
		}
		receiptWriter = w
		ctx = receipt.WithWriter(ctx, w)
	}

	if otelEnabledFlag {
		handle, err := otelobs.Init(ctx, otelobs.Config{
			Enabled:     true,
			Endpoint:    otelEndpointFlag,
			Protocol:    otelProtocolFlag,
			Insecure:    otelInsecureFlag,
			ServiceName: "mcptap",
			SampleRatio: 1.0,
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		otelHandle = handle
		ctx = otelobs.WithHandle(ctx, handle)
	}

	cmd.SetContext(ctx)
	return nil
}

func teardownRun(cmd *cobra.Command, args []string) {
	if otelHandle != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = otelHandle.Shutdown(shutdownCtx)
		cancel()
	}
	if receiptWriter != nil {
		_ = receiptWriter.Close()
	}
	if rootLogger != nil {
		_ = rootLogger.Close()
	}
}

// clientConfigPath resolves the target client config from the
// persistent flags.
func clientConfigPath() (string, error) {
	if configFlag != "" {
		return configFlag, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	return clientcfg.ConfigPath(clientcfg.Client(clientFlag), cwd)
}

// loadPolicy resolves --policy / --preset into an engine. An explicit
// file wins over a preset name; with neither, the default preset
// applies.
func loadPolicy(policyPath, presetName string) (*policy.Engine, error) {
	if policyPath != "" {
		return policy.Load(policyPath)
	}
	if presetName != "" {
		engine := policy.GetPreset(presetName)
		if engine == nil {
			return nil, fmt.Errorf("unknown policy preset %q (available: default, strict)", presetName)
		}
		return engine, nil
	}
	return policy.GetPreset("default"), nil
}
