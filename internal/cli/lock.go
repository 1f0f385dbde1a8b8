package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/felipestenzel/mcp-tap/internal/clientcfg"
	"github.com/felipestenzel/mcp-tap/internal/lockfile"
	"github.com/felipestenzel/mcp-tap/internal/models"
	"github.com/felipestenzel/mcp-tap/internal/observability/logging"
	"github.com/felipestenzel/mcp-tap/internal/observability/receipt"
	"github.com/felipestenzel/mcp-tap/internal/probe"
	"github.com/felipestenzel/mcp-tap/internal/registry"
	"github.com/felipestenzel/mcp-tap/internal/resolve"
	"github.com/felipestenzel/mcp-tap/internal/version"
	"github.com/spf13/cobra"
)

// lockCmd definition
var lockCmd = &cobra.Command{
	Use:   "lock [server...]",
	Short: "Record installed servers in the lockfile",
	Long: `Reads the live client config, derives each server's canonical
identity, probes its tool set, and writes the result to the lockfile.
Without arguments every installed server is locked; with names, only
those.

With --pin, package registries are consulted for the concrete version,
integrity hash, and repository URL behind each entry.

The lockfile never stores secret values. Environment variables are
recorded by name only.

Example:
  mcptap lock
  mcptap lock postgres --pin`,
	SilenceUsage: true,
	RunE:         runLock,
}

var (
	lockTimeoutFlag time.Duration
	lockPinFlag     bool
	lockNoProbeFlag bool
)

func init() {
	lockCmd.Flags().DurationVarP(&lockTimeoutFlag, "timeout", "t", defaultTimeout, "Timeout per connection probe")
	lockCmd.Flags().BoolVar(&lockPinFlag, "pin", false, "Resolve version, integrity, and repository from the package registry")
	lockCmd.Flags().BoolVar(&lockNoProbeFlag, "no-probe", false, "Skip connecting to servers; lock configs without tool sets")
}

// GetLockCmd exports the lock command
func GetLockCmd() *cobra.Command {
	return lockCmd
}

func runLock(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	log := logging.From(ctx)
	start := time.Now()

	sess := receipt.Start(ctx, "mcptap lock", os.Args[1:])
	defer func() {
		_ = sess.Finish(err, receipt.WithLockfile(lockfileFlag))
	}()

	log.Event(ctx, "lock.start", map[string]any{"pin": lockPinFlag})
	var resultStatus string
	defer func() {
		log.Event(ctx, "lock.complete", map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
			"result":      resultStatus,
		})
	}()

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
	if len(installed) == 0 {
		resultStatus = "fail"
		return fmt.Errorf("no servers found in %s", configPath)
	}

	byName := make(map[string]models.InstalledServer, len(installed))
	for _, srv := range installed {
		byName[srv.Name] = srv
	}
	names, err := selectServers(byName, args)
	if err != nil {
		resultStatus = "fail"
		return err
	}

	store := lockfile.NewStore("mcptap@"+version.BuildVersion(), log)
	validator := probe.NewValidator(lockTimeoutFlag, log)
	var regClient *registry.Client
	if lockPinFlag {
		regClient = registry.NewClient(log)
	}

	failures := 0
	for _, name := range names {
		srv := byName[name]
		entry, err := buildLockedServer(ctx, srv, validator, regClient)
		if err != nil {
			failures++
			fmt.Printf("  %s✗ %s: %v%s\n", colorRed, name, err, colorReset)
			continue
		}
		if err := store.UpsertServer(lockfileFlag, name, entry); err != nil {
			resultStatus = "fail"
			return err
		}
		fmt.Printf("  %s✓ %s locked (%s, %d tools)%s\n",
			colorGreen, name, entry.RegistryType, len(entry.Tools), colorReset)
	}

	if failures > 0 {
		resultStatus = "partial"
		fmt.Printf("\n%d of %d server(s) could not be locked\n", failures, len(names))
		_ = sess.Finish(fmt.Errorf("%d server(s) could not be locked", failures),
			receipt.WithLockfile(lockfileFlag))
		os.Exit(1)
	}
	resultStatus = "success"
	fmt.Printf("\nLockfile written to %s\n", lockfileFlag)
	return nil
}

// buildLockedServer derives one lockfile entry from a live config.
func buildLockedServer(ctx context.Context, srv models.InstalledServer, validator *probe.Validator, regClient *registry.Client) (models.LockedServer, error) {
	identity, ok := resolve.InferIdentity(srv.Config)
	if !ok {
		return models.LockedServer{}, fmt.Errorf("cannot derive a canonical identity from its config")
	}

	entry := models.LockedServer{
		PackageIdentifier: identity.PackageIdentifier,
		RegistryType:      identity.RegistryType,
		Version:           identity.Version,
		InstalledAt:       time.Now().UTC(),
	}
	if !identity.RegistryType.Remote() {
		entry.Config = models.LockedConfig{
			Command: srv.Config.Command,
			Args:    append([]string(nil), srv.Config.Args...),
			EnvKeys: srv.Config.EnvKeys(),
		}
	} else {
		entry.Config = models.LockedConfig{EnvKeys: srv.Config.EnvKeys()}
	}

	if !lockNoProbeFlag {
		result := validator.Test(ctx, srv.Name, srv.Config, nil)
		if !result.Success {
			return models.LockedServer{}, fmt.Errorf("validation failed: %s (%s)", result.Error, result.ErrorType)
		}
		if result.ErrorType == "" {
			now := time.Now().UTC()
			entry.Tools = result.Tools
			entry.VerifiedAt = &now
			entry.VerifiedHealthy = true
		}
	}

	if regClient != nil && !identity.RegistryType.Remote() {
		info, err := regClient.Resolve(ctx, identity.RegistryType, identity.PackageIdentifier, identity.Version)
		if err != nil {
			return models.LockedServer{}, fmt.Errorf("pin from registry: %w", err)
		}
		entry.Version = info.Version
		entry.Integrity = info.Integrity
		entry.RepositoryURL = info.RepositoryURL
	}

	return entry, nil
}

// unlockCmd definition
var unlockCmd = &cobra.Command{
	Use:   "unlock <server>",
	Short: "Remove a server from the lockfile",
	Long: `Deletes one entry from the lockfile. With --remove-config the
server's block in the client config is deleted too.

Example:
  mcptap unlock postgres`,
	SilenceUsage: true,
	Args:         cobra.ExactArgs(1),
	RunE:         runUnlock,
}

var unlockRemoveConfigFlag bool

func init() {
	unlockCmd.Flags().BoolVar(&unlockRemoveConfigFlag, "remove-config", false, "Also delete the server from the client config")
}

// GetUnlockCmd exports the unlock command
func GetUnlockCmd() *cobra.Command {
	return unlockCmd
}

func runUnlock(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logging.From(ctx)
	name := args[0]

	store := lockfile.NewStore("mcptap@"+version.BuildVersion(), log)
	if err := store.RemoveServer(lockfileFlag, name); err != nil {
		return err
	}
	fmt.Printf("%s✓ %s removed from lockfile%s\n", colorGreen, name, colorReset)

	if unlockRemoveConfigFlag {
		configPath, err := clientConfigPath()
		if err != nil {
			return err
		}
		if err := clientcfg.RemoveServer(configPath, name); err != nil {
			return err
		}
		fmt.Printf("%s✓ %s removed from %s%s\n", colorGreen, name, configPath, colorReset)
	}
	return nil
}
