package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/felipestenzel/mcp-tap/internal/clientcfg"
	"github.com/felipestenzel/mcp-tap/internal/differ"
	"github.com/felipestenzel/mcp-tap/internal/lockfile"
	"github.com/felipestenzel/mcp-tap/internal/models"
	"github.com/felipestenzel/mcp-tap/internal/observability"
	"github.com/felipestenzel/mcp-tap/internal/observability/logging"
	otelobs "github.com/felipestenzel/mcp-tap/internal/observability/otel"
	"github.com/felipestenzel/mcp-tap/internal/observability/receipt"
	"github.com/felipestenzel/mcp-tap/internal/probe"
	"github.com/felipestenzel/mcp-tap/internal/resolve"
	"github.com/felipestenzel/mcp-tap/internal/restore"
	"github.com/felipestenzel/mcp-tap/internal/version"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// verifyCmd definition
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare live client configs against the lockfile",
	Long: `Reads the lockfile and the live client config, resolves which
installed servers correspond to which locked entries, and reports
every discrepancy with a severity.

Exit 0 means no drift; exit 1 means drift was found.

Example:
  mcptap verify
  mcptap verify --probe --policy team-policy.yaml`,
	SilenceUsage: true,
	RunE:         runVerify,
}

var (
	verifyProbeFlag   bool
	verifyTimeoutFlag time.Duration
	verifyPolicyFlag  string
	verifyPresetFlag  string
	verifyJSONFlag    bool
)

func init() {
	verifyCmd.Flags().BoolVar(&verifyProbeFlag, "probe", false, "Connect to each resolved server and compare live tool sets")
	verifyCmd.Flags().DurationVarP(&verifyTimeoutFlag, "timeout", "t", defaultTimeout, "Timeout per connection probe")
	verifyCmd.Flags().StringVar(&verifyPolicyFlag, "policy", "", "Path to a severity-override policy file")
	verifyCmd.Flags().StringVar(&verifyPresetFlag, "preset", "", "Built-in policy preset (default, strict)")
	verifyCmd.Flags().BoolVar(&verifyJSONFlag, "json", false, "Emit the drift report as JSON")
}

// GetVerifyCmd exports the verify command
func GetVerifyCmd() *cobra.Command {
	return verifyCmd
}

func runVerify(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	log := logging.From(ctx)
	start := time.Now()

	sess := receipt.Start(ctx, "mcptap verify", os.Args[1:])
	var receiptOpts []receipt.Option
	defer func() {
		receiptOpts = append(receiptOpts, receipt.WithLockfile(lockfileFlag))
		_ = sess.Finish(err, receiptOpts...)
	}()

	if h := otelobs.From(ctx); h != nil {
		var span trace.Span
		ctx, span = h.Tracer.Start(ctx, "mcptap.verify",
			trace.WithAttributes(
				attribute.String("mcptap.op_id", observability.OpID(ctx)),
				attribute.String("mcptap.command", "verify"),
			))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed")
			} else {
				span.SetStatus(codes.Ok, "success")
			}
			span.End()
		}()
	}

	log.Event(ctx, "verify.start", nil)
	var resultStatus string
	defer func() {
		log.Event(ctx, "verify.complete", map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
			"result":      resultStatus,
		})
	}()

	pol, err := loadPolicy(verifyPolicyFlag, verifyPresetFlag)
	if err != nil {
		resultStatus = "fail"
		return err
	}

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

	var observed map[string][]string
	if verifyProbeFlag {
		observed = probeResolved(ctx, lf, installed, verifyTimeoutFlag, log)
	}

	engine := differ.NewEngine(pol, log)
	result := engine.Diff(ctx, lf, installed, observed)

	errorFindings := 0
	for _, entry := range result.Entries {
		if entry.Severity == models.SeverityError {
			errorFindings++
		}
	}
	receiptOpts = append(receiptOpts,
		receipt.WithDrift(result.Checked, result.Missing, result.Extra, result.Changed, errorFindings))

	if verifyJSONFlag {
		output, merr := json.MarshalIndent(result, "", "  ")
		if merr != nil {
			resultStatus = "fail"
			return fmt.Errorf("failed to marshal report: %w", merr)
		}
		fmt.Println(string(output))
	} else {
		printVerifyResult(result)
	}

	if result.Clean() {
		resultStatus = "clean"
		return nil
	}

	resultStatus = "drift"
	receiptOpts = append(receiptOpts, receipt.WithLockfile(lockfileFlag))
	_ = sess.Finish(fmt.Errorf("drift detected: %d finding(s)", len(result.Entries)), receiptOpts...)
	os.Exit(1)
	return nil
}

// probeResolved validates every locked entry that resolves to a live
// config and returns the observed tool sets keyed by lockfile name.
// Probes fan out bounded, the same limit restore uses for installs.
func probeResolved(ctx context.Context, lf *models.Lockfile, installed []models.InstalledServer, timeout time.Duration, log logging.Logger) map[string][]string {
	validator := probe.NewValidator(timeout, log)

	var mu sync.Mutex
	observed := make(map[string][]string)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(restore.DefaultConcurrency)
	for name, locked := range lf.Servers {
		match := resolve.Resolve(name, locked, installed)
		if match == nil {
			continue
		}
		name, locked, cfg := name, locked, match.Config
		g.Go(func() error {
			res := validator.Test(ctx, name, cfg, locked.Config.EnvKeys)
			if res.Success && res.ErrorType == "" {
				mu.Lock()
				observed[name] = res.Tools
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return observed
}

func printVerifyResult(result *models.VerifyResult) {
	if result.Clean() {
		fmt.Printf("%s✓ No drift detected - %d server(s) match the lockfile%s\n",
			colorGreen, result.Checked, colorReset)
		return
	}

	fmt.Printf("\n%sDrift detected:%s %d missing, %d extra, %d changed (of %d locked)\n\n",
		colorYellow, colorReset, result.Missing, result.Extra, result.Changed, result.Checked)

	for _, entry := range result.Entries {
		fmt.Printf("  %s[%s]%s %s %s\n      %s\n",
			severityColor(entry.Severity), entry.Severity, colorReset,
			entry.Server, entry.Type, entry.Detail)
	}
	fmt.Println()
}

func severityColor(s models.Severity) string {
	switch s {
	case models.SeverityError:
		return colorRed
	case models.SeverityWarning:
		return colorYellow
	default:
		return colorGreen
	}
}
