package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/felipestenzel/mcp-tap/internal/clientcfg"
	"github.com/felipestenzel/mcp-tap/internal/heal"
	"github.com/felipestenzel/mcp-tap/internal/lockfile"
	"github.com/felipestenzel/mcp-tap/internal/models"
	"github.com/felipestenzel/mcp-tap/internal/observability/logging"
	"github.com/felipestenzel/mcp-tap/internal/observability/receipt"
	"github.com/felipestenzel/mcp-tap/internal/probe"
	"github.com/felipestenzel/mcp-tap/internal/resolve"
	"github.com/felipestenzel/mcp-tap/internal/restore"
	"github.com/felipestenzel/mcp-tap/internal/version"
	"github.com/spf13/cobra"
)

// restoreCmd definition
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Reinstall missing servers from the lockfile",
	Long: `Restores every locked server that is absent from the live client
config. Already-present servers are left untouched; running restore
twice is safe.

The lockfile stores environment variable names, never values, so
restored entries may need secrets set before they work. Restore
reports exactly which variables are still missing.

Example:
  mcptap restore
  mcptap restore --dry-run`,
	SilenceUsage: true,
	RunE:         runRestore,
}

var (
	restoreDryRunFlag      bool
	restoreConcurrencyFlag int
	restoreJSONFlag        bool
	restoreValidateFlag    bool
	restoreHealFlag        bool
	restoreTimeoutFlag     time.Duration
)

func init() {
	restoreCmd.Flags().BoolVar(&restoreDryRunFlag, "dry-run", false, "Report what would be restored without writing anything")
	restoreCmd.Flags().IntVar(&restoreConcurrencyFlag, "concurrency", restore.DefaultConcurrency, "Parallel install limit")
	restoreCmd.Flags().BoolVar(&restoreJSONFlag, "json", false, "Emit the restore report as JSON")
	restoreCmd.Flags().BoolVar(&restoreValidateFlag, "validate", false, "Probe each restored server after writing its config")
	restoreCmd.Flags().BoolVar(&restoreHealFlag, "heal", false, "Run failed validations through self-healing (implies --validate)")
	restoreCmd.Flags().DurationVarP(&restoreTimeoutFlag, "timeout", "t", defaultTimeout, "Timeout per validation probe")
}

// GetRestoreCmd exports the restore command
func GetRestoreCmd() *cobra.Command {
	return restoreCmd
}

func runRestore(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	log := logging.From(ctx)
	start := time.Now()

	sess := receipt.Start(ctx, "mcptap restore", os.Args[1:])
	var receiptOpts []receipt.Option
	defer func() {
		receiptOpts = append(receiptOpts, receipt.WithLockfile(lockfileFlag))
		_ = sess.Finish(err, receiptOpts...)
	}()

	log.Event(ctx, "restore.start", nil)
	var resultStatus string
	defer func() {
		log.Event(ctx, "restore.complete", map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
			"result":      resultStatus,
		})
	}()

	store := lockfile.NewStore("mcptap@"+version.BuildVersion(), log)
	lf, err := store.Read(lockfileFlag)
	if err != nil {
		resultStatus = "fail"
		if errors.Is(err, lockfile.ErrNotFound) {
			return fmt.Errorf("no lockfile at %s (run 'mcptap lock' first)", lockfileFlag)
		}
		return err
	}

	configPath, err := clientConfigPath()
	if err != nil {
		resultStatus = "fail"
		return err
	}
	installed, err := clientcfg.Load(configPath)
	if err != nil {
		resultStatus = "fail"
		return err
	}

	if restoreDryRunFlag {
		resultStatus = "dry-run"
		printRestorePlan(lf, installed)
		return nil
	}

	orch := restore.NewOrchestrator(restore.Materializer{}, configWriter{}, restoreConcurrencyFlag, log)
	if restoreValidateFlag || restoreHealFlag {
		validator := probe.NewValidator(restoreTimeoutFlag, log)
		var healer restore.Healer
		if restoreHealFlag {
			healer = heal.NewController(validator, heal.DefaultMaxAttempts, restoreTimeoutFlag, log)
		}
		orch.WithValidation(validator, healer)
	}
	result, err := orch.Restore(ctx, lf, installed, configPath)
	if err != nil {
		resultStatus = "fail"
		return err
	}
	receiptOpts = append(receiptOpts,
		receipt.WithRestore(result.Restored, result.Skipped, result.Failed))

	if restoreJSONFlag {
		output, merr := json.MarshalIndent(result, "", "  ")
		if merr != nil {
			resultStatus = "fail"
			return fmt.Errorf("failed to marshal report: %w", merr)
		}
		fmt.Println(string(output))
	} else {
		printRestoreResult(result)
	}

	if result.Failed > 0 {
		resultStatus = "partial"
		receiptOpts = append(receiptOpts, receipt.WithLockfile(lockfileFlag))
		_ = sess.Finish(fmt.Errorf("%d server(s) failed to restore", result.Failed), receiptOpts...)
		os.Exit(1)
	}
	resultStatus = "success"
	return nil
}

// configWriter adapts clientcfg to the orchestrator's writer interface.
type configWriter struct{}

func (configWriter) SetServer(path, name string, cfg models.ServerConfig) error {
	return clientcfg.SetServer(path, name, cfg)
}

func printRestorePlan(lf *models.Lockfile, installed []models.InstalledServer) {
	var missing []string
	for name, locked := range lf.Servers {
		if resolve.Resolve(name, locked, installed) == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		fmt.Printf("%s✓ Nothing to restore - all %d locked server(s) are installed%s\n",
			colorGreen, len(lf.Servers), colorReset)
		return
	}
	fmt.Printf("Would restore %d server(s): %s\n", len(missing), strings.Join(missing, ", "))
}

func printRestoreResult(result *restore.Result) {
	for _, r := range result.Results {
		switch r.Status {
		case restore.StatusRestored:
			fmt.Printf("  %s+ %s restored%s\n", colorGreen, r.Server, colorReset)
			if len(r.MissingEnv) > 0 {
				fmt.Printf("    %s! set before use: %s%s\n",
					colorYellow, strings.Join(r.MissingEnv, ", "), colorReset)
			}
		case restore.StatusAlreadyInstalled:
			fmt.Printf("  = %s already installed\n", r.Server)
		case restore.StatusFailed:
			fmt.Printf("  %s✗ %s failed: %s%s\n", colorRed, r.Server, r.Error, colorReset)
		}
	}
	fmt.Printf("\n%d restored, %d already installed, %d failed\n",
		result.Restored, result.Skipped, result.Failed)
}
