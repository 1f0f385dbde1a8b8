// Package restore rebuilds missing servers from the lockfile: every
// declared entry absent from the live client config is re-materialized
// and written back. Restoration is idempotent; entries already present
// are left untouched.
package restore

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/felipestenzel/mcp-tap/internal/heal"
	"github.com/felipestenzel/mcp-tap/internal/models"
	"github.com/felipestenzel/mcp-tap/internal/observability/logging"
	"github.com/felipestenzel/mcp-tap/internal/observability/otel"
	"github.com/felipestenzel/mcp-tap/internal/resolve"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency caps parallel installs. Installs hit package
// registries; five in flight keeps restore fast without hammering them.
const DefaultConcurrency = 5

// Installer materializes one locked entry into a launchable config.
// Implementations may download packages, verify integrity pins, or do
// nothing beyond shaping the config.
type Installer interface {
	Install(ctx context.Context, name string, srv models.LockedServer) (models.ServerConfig, error)
}

// ConfigWriter persists one server block into a client config file.
type ConfigWriter interface {
	SetServer(path, name string, cfg models.ServerConfig) error
}

// Validator probes a restored config end to end.
type Validator interface {
	Test(ctx context.Context, name string, cfg models.ServerConfig, requiredEnv []string) models.ConnectionTestResult
}

// Healer attempts to repair a failed validation.
type Healer interface {
	Heal(ctx context.Context, server string, cfg models.ServerConfig, requiredEnv []string, initial models.ConnectionTestResult) *heal.Result
}

// Status of one server within a restore run.
type Status string

const (
	StatusRestored         Status = "restored"
	StatusAlreadyInstalled Status = "already_installed"
	StatusFailed           Status = "failed"
)

// ServerResult is the outcome for one locked entry. MissingEnv lists
// environment variable names the entry needs that the current process
// environment cannot supply; the lockfile stores names only, so the
// values must come from the operator.
type ServerResult struct {
	Server     string   `json:"server"`
	Status     Status   `json:"status"`
	Error      string   `json:"error,omitempty"`
	MissingEnv []string `json:"missing_env,omitempty"`
}

// Result aggregates a restore run.
type Result struct {
	Results  []ServerResult `json:"results"`
	Restored int            `json:"restored"`
	Skipped  int            `json:"skipped"`
	Failed   int            `json:"failed"`
}

// Orchestrator drives restore runs.
type Orchestrator struct {
	installer   Installer
	writer      ConfigWriter
	validator   Validator
	healer      Healer
	concurrency int
	log         logging.Logger

	// serializes read-modify-write cycles on the target config file
	writeMu sync.Mutex
}

// NewOrchestrator builds an orchestrator. Zero concurrency means
// DefaultConcurrency.
func NewOrchestrator(installer Installer, writer ConfigWriter, concurrency int, log logging.Logger) *Orchestrator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Orchestrator{
		installer:   installer,
		writer:      writer,
		concurrency: concurrency,
		log:         log,
	}
}

// WithValidation probes each restored entry after its config is
// written. When a healer is given too, classified failures run through
// it and a successful fix is written back. Entries whose required env
// values are absent skip validation; they cannot connect until the
// operator supplies the secrets.
func (o *Orchestrator) WithValidation(v Validator, h Healer) *Orchestrator {
	o.validator = v
	o.healer = h
	return o
}

// Restore re-materializes every locked entry that fails to resolve
// against the live inventory, writing the result into targetPath.
// Installs run concurrently; config writes are serialized. The run
// continues past individual failures and reports them per server.
func (o *Orchestrator) Restore(ctx context.Context, lf *models.Lockfile, installed []models.InstalledServer, targetPath string) (*Result, error) {
	ctx, end := otel.Span(ctx, "restore.run")
	defer end()

	names := make([]string, 0, len(lf.Servers))
	for name := range lf.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]ServerResult, len(names))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	for i, name := range names {
		i, name := i, name
		locked := lf.Servers[name]

		if resolve.Resolve(name, locked, installed) != nil {
			results[i] = ServerResult{Server: name, Status: StatusAlreadyInstalled}
			continue
		}

		g.Go(func() error {
			results[i] = o.restoreOne(ctx, name, locked, targetPath)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &Result{Results: results}
	for _, r := range results {
		switch r.Status {
		case StatusRestored:
			result.Restored++
		case StatusAlreadyInstalled:
			result.Skipped++
		case StatusFailed:
			result.Failed++
		}
	}

	o.log.Info("restore", "restore complete",
		"restored", result.Restored, "skipped", result.Skipped, "failed", result.Failed)
	return result, nil
}

func (o *Orchestrator) restoreOne(ctx context.Context, name string, locked models.LockedServer, targetPath string) ServerResult {
	cfg, err := o.installer.Install(ctx, name, locked)
	if err != nil {
		o.log.Error("restore", "install failed", "server", name, "error", err.Error())
		return ServerResult{
			Server: name,
			Status: StatusFailed,
			Error:  fmt.Sprintf("install: %v", err),
		}
	}

	o.writeMu.Lock()
	err = o.writer.SetServer(targetPath, name, cfg)
	o.writeMu.Unlock()
	if err != nil {
		o.log.Error("restore", "config write failed", "server", name, "error", err.Error())
		return ServerResult{
			Server: name,
			Status: StatusFailed,
			Error:  fmt.Sprintf("write config: %v", err),
		}
	}

	res := ServerResult{Server: name, Status: StatusRestored}
	for _, key := range locked.Config.EnvKeys {
		if _, inCfg := cfg.Env[key]; inCfg {
			continue
		}
		if os.Getenv(key) != "" {
			continue
		}
		res.MissingEnv = append(res.MissingEnv, key)
	}
	if len(res.MissingEnv) > 0 {
		o.log.Warn("restore", "restored entry needs environment values",
			"server", name, "missing", len(res.MissingEnv))
		return res
	}

	if o.validator != nil {
		if err := o.validateRestored(ctx, name, cfg, locked, targetPath); err != nil {
			res.Status = StatusFailed
			res.Error = err.Error()
		}
	}
	return res
}

// validateRestored probes the freshly written config and routes
// failures through the healer when one is configured. A successful fix
// replaces the written entry.
func (o *Orchestrator) validateRestored(ctx context.Context, name string, cfg models.ServerConfig, locked models.LockedServer, targetPath string) error {
	result := o.validator.Test(ctx, name, cfg, locked.Config.EnvKeys)
	if result.Success {
		return nil
	}

	if o.healer != nil {
		healed := o.healer.Heal(ctx, name, cfg, locked.Config.EnvKeys, result)
		if healed.Healed {
			o.writeMu.Lock()
			err := o.writer.SetServer(targetPath, name, healed.FinalConfig)
			o.writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("write healed config: %w", err)
			}
			o.log.Info("restore", "healed after restore", "server", name)
			return nil
		}
		if healed.Guidance != "" {
			return fmt.Errorf("validation: %s (%s): %s", result.Error, result.ErrorType, healed.Guidance)
		}
	}
	return fmt.Errorf("validation: %s (%s)", result.Error, result.ErrorType)
}

// Materializer is the default Installer: it shapes the locked entry
// back into a live config without touching any registry. Runner-based
// servers fetch on first launch, so there is nothing to download here.
type Materializer struct{}

// Install reconstructs the live config. Remote entries become native
// HTTP blocks; stdio entries replay the committed command and args and
// carry whatever required env values the current environment can
// supply.
func (Materializer) Install(_ context.Context, _ string, srv models.LockedServer) (models.ServerConfig, error) {
	if srv.RegistryType.Remote() {
		return models.ServerConfig{
			Type: models.TransportHTTP,
			URL:  srv.PackageIdentifier,
		}, nil
	}

	if srv.Config.Command == "" {
		return models.ServerConfig{}, fmt.Errorf("locked entry has no command")
	}

	cfg := models.ServerConfig{
		Command: srv.Config.Command,
		Args:    append([]string(nil), srv.Config.Args...),
	}
	for _, key := range srv.Config.EnvKeys {
		if value := os.Getenv(key); value != "" {
			if cfg.Env == nil {
				cfg.Env = make(map[string]string)
			}
			cfg.Env[key] = value
		}
	}
	return cfg, nil
}
