package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/felipestenzel/mcp-tap/internal/clientcfg"
	"github.com/felipestenzel/mcp-tap/internal/heal"
	"github.com/felipestenzel/mcp-tap/internal/lockfile"
	"github.com/felipestenzel/mcp-tap/internal/observability/logging"
	"github.com/felipestenzel/mcp-tap/internal/observability/receipt"
	"github.com/felipestenzel/mcp-tap/internal/probe"
	"github.com/felipestenzel/mcp-tap/internal/resolve"
	"github.com/felipestenzel/mcp-tap/internal/version"
	"github.com/spf13/cobra"
)

// testCmd definition
var testCmd = &cobra.Command{
	Use:   "test [server...]",
	Short: "Validate connections to locked servers",
	Long: `Connects to each locked server's live config, performs the MCP
handshake, and lists its tools. With --heal, classified failures are
run through the bounded self-healing controller; a successful fix is
written back to the client config.

With --update, verification results (tool set, timestamp, health) are
recorded in the lockfile.

Example:
  mcptap test
  mcptap test postgres --heal
  mcptap test --update`,
	SilenceUsage: true,
	RunE:         runTest,
}

var (
	testTimeoutFlag time.Duration
	testHealFlag    bool
	testUpdateFlag  bool
)

func init() {
	testCmd.Flags().DurationVarP(&testTimeoutFlag, "timeout", "t", defaultTimeout, "Timeout per connection attempt")
	testCmd.Flags().BoolVar(&testHealFlag, "heal", false, "Attempt bounded self-healing on classified failures")
	testCmd.Flags().BoolVar(&testUpdateFlag, "update", false, "Record verification results in the lockfile")
}

// GetTestCmd exports the test command
func GetTestCmd() *cobra.Command {
	return testCmd
}

func runTest(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	log := logging.From(ctx)
	start := time.Now()

	sess := receipt.Start(ctx, "mcptap test", os.Args[1:])
	var healedNames, unhealedNames []string
	defer func() {
		_ = sess.Finish(err,
			receipt.WithLockfile(lockfileFlag),
			receipt.WithHeal(healedNames, unhealedNames))
	}()

	log.Event(ctx, "test.start", map[string]any{"heal": testHealFlag})
	var resultStatus string
	defer func() {
		log.Event(ctx, "test.complete", map[string]any{
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

	names, err := selectServers(lf.Servers, args)
	if err != nil {
		resultStatus = "fail"
		return err
	}

	validator := probe.NewValidator(testTimeoutFlag, log)
	var controller *heal.Controller
	if testHealFlag {
		controller = heal.NewController(validator, heal.DefaultMaxAttempts, testTimeoutFlag, log)
	}

	failures := 0
	for _, name := range names {
		locked := lf.Servers[name]

		match := resolve.Resolve(name, locked, installed)
		if match == nil {
			failures++
			fmt.Printf("  %s✗ %s: not installed (run 'mcptap restore')%s\n", colorRed, name, colorReset)
			continue
		}

		result := validator.Test(ctx, name, match.Config, locked.Config.EnvKeys)
		finalCfg := match.Config

		if !result.Success && controller != nil {
			healed := controller.Heal(ctx, name, match.Config, locked.Config.EnvKeys, result)
			result = healed.Attempts[len(healed.Attempts)-1].Result
			if healed.Healed {
				healedNames = append(healedNames, name)
				finalCfg = healed.FinalConfig
				if err := clientcfg.SetServer(match.SourceFile, match.Name, finalCfg); err != nil {
					return fmt.Errorf("write healed config for %s: %w", name, err)
				}
				fmt.Printf("  %s~ %s healed after %d attempt(s)%s\n",
					colorYellow, name, len(healed.Attempts), colorReset)
			} else {
				unhealedNames = append(unhealedNames, name)
				if healed.Guidance != "" {
					fmt.Printf("  %s! %s: %s%s\n", colorYellow, name, healed.Guidance, colorReset)
				}
			}
		}

		switch {
		case result.Success && result.ErrorType == "":
			fmt.Printf("  %s✓ %s: ok (%d tools)%s\n", colorGreen, name, len(result.Tools), colorReset)
		case result.Success:
			// reachable but gated on auth
			fmt.Printf("  %s! %s: reachable, authentication required%s\n", colorYellow, name, colorReset)
		default:
			failures++
			fmt.Printf("  %s✗ %s: %s (%s)%s\n", colorRed, name, result.Error, result.ErrorType, colorReset)
		}

		if testUpdateFlag {
			healthy := result.Success && result.ErrorType == ""
			var tools []string
			if healthy {
				tools = result.Tools
			} else {
				tools = locked.Tools
			}
			if err := store.UpdateVerification(lockfileFlag, name, tools, healthy); err != nil {
				return fmt.Errorf("record verification for %s: %w", name, err)
			}
		}
	}

	if failures > 0 {
		resultStatus = "fail"
		fmt.Printf("\n%d of %d server(s) failed validation\n", failures, len(names))
		_ = sess.Finish(fmt.Errorf("%d server(s) failed validation", failures),
			receipt.WithLockfile(lockfileFlag),
			receipt.WithHeal(healedNames, unhealedNames))
		os.Exit(1)
	}
	resultStatus = "success"
	return nil
}

// selectServers filters the locked names by the positional args, or
// returns all of them sorted.
func selectServers[T any](servers map[string]T, args []string) ([]string, error) {
	if len(args) == 0 {
		names := make([]string, 0, len(servers))
		for name := range servers {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	}
	for _, name := range args {
		if _, ok := servers[name]; !ok {
			return nil, fmt.Errorf("server %q is not in the lockfile", name)
		}
	}
	return args, nil
}
