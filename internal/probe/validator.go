package probe

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/felipestenzel/mcp-tap/internal/models"
	"github.com/felipestenzel/mcp-tap/internal/observability/logging"
	"github.com/felipestenzel/mcp-tap/internal/observability/otel"
	"github.com/felipestenzel/mcp-tap/internal/version"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// protocolVersion is the MCP revision we negotiate during the
// handshake.
const protocolVersion = "2024-11-05"

// DefaultTimeout bounds one validation attempt end to end.
const DefaultTimeout = 15 * time.Second

// Validator connects to configured servers and reports whether they
// complete the MCP handshake and serve a tool list.
type Validator struct {
	timeout time.Duration
	log     logging.Logger
}

// NewValidator builds a validator. A zero timeout means DefaultTimeout.
func NewValidator(timeout time.Duration, log logging.Logger) *Validator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Validator{timeout: timeout, log: log}
}

// Test runs one validation attempt against a live server config.
// requiredEnv lists the environment variable names the server needs;
// a name satisfied neither by the config block nor by the process
// environment fails fast without launching anything.
func (v *Validator) Test(ctx context.Context, name string, cfg models.ServerConfig, requiredEnv []string) models.ConnectionTestResult {
	return v.Probe(ctx, name, cfg, requiredEnv, v.timeout)
}

// Probe is Test with an explicit per-attempt timeout, for callers that
// escalate deadlines between retries.
func (v *Validator) Probe(ctx context.Context, name string, cfg models.ServerConfig, requiredEnv []string, timeout time.Duration) models.ConnectionTestResult {
	ctx, end := otel.Span(ctx, "probe.test")
	defer end()

	if missing := missingEnv(cfg, requiredEnv); len(missing) > 0 {
		v.log.Warn("probe", "required environment variables unset",
			"server", name, "missing", strings.Join(missing, ","))
		return models.ConnectionTestResult{
			Success:   false,
			Error:     fmt.Sprintf("required environment variables not set: %s", strings.Join(missing, ", ")),
			ErrorType: models.ErrMissingEnvVar,
		}
	}

	if timeout <= 0 {
		timeout = v.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result models.ConnectionTestResult
	if cfg.IsHTTP() {
		result = v.testHTTP(ctx, cfg)
	} else {
		result = v.testStdio(ctx, cfg)
	}

	if result.Success {
		v.log.Debug("probe", "server validated",
			"server", name, "tools", len(result.Tools))
	} else {
		v.log.Warn("probe", "server validation failed",
			"server", name, "category", string(result.ErrorType), "error", result.Error)
	}
	return result
}

// testStdio launches the configured command in its own process group
// and drives the handshake over its stdio pipes. The group is
// force-killed when the deadline fires and reaped again on exit, so a
// hung server can never block the validator and no child survives it.
func (v *Validator) testStdio(ctx context.Context, cfg models.ServerConfig) models.ConnectionTestResult {
	if cfg.Command == "" {
		return failure(fmt.Errorf("stdio config has no command"), models.ErrUnknown)
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return failure(fmt.Errorf("command %q: %w", cfg.Command, err), models.ErrCommandNotFound)
	}

	env := make([]string, 0, len(cfg.Env))
	for k, val := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, val))
	}

	var cmd *exec.Cmd
	mcpClient, err := client.NewStdioMCPClientWithOptions(cfg.Command, env, cfg.Args,
		transport.WithCommandFunc(func(_ context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
			c := exec.Command(command, args...)
			c.Env = append(os.Environ(), env...)
			configureProcAttr(c)
			cmd = c
			return c, nil
		}))
	if err != nil {
		killProcessGroup(cmd)
		return failure(fmt.Errorf("start stdio client: %w", err), Classify(err))
	}

	// One teardown path for every branch. The watcher kills the group
	// the moment the deadline fires; the deferred kill covers the
	// remaining exits, so Close never waits on a hung process.
	watcherDone := make(chan struct{})
	handshakeDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			killProcessGroup(cmd)
		case <-handshakeDone:
		}
	}()
	defer func() {
		close(handshakeDone)
		<-watcherDone
		killProcessGroup(cmd)
		_ = mcpClient.Close()
	}()

	return v.handshake(ctx, mcpClient)
}

// testHTTP drives the handshake against a remote endpoint. A 401/403
// response proves a live server behind an auth gate: that counts as
// reachable, flagged AUTH_FAILED, and is not a validation failure.
func (v *Validator) testHTTP(ctx context.Context, cfg models.ServerConfig) models.ConnectionTestResult {
	mcpClient, err := client.NewStreamableHttpClient(cfg.URL)
	if err != nil {
		return failure(fmt.Errorf("create http client: %w", err), Classify(err))
	}
	defer mcpClient.Close()

	if err := mcpClient.Start(ctx); err != nil {
		if Classify(err) == models.ErrAuthFailed {
			return authGated(err)
		}
		return failure(fmt.Errorf("connect %s: %w", cfg.URL, err), Classify(err))
	}

	result := v.handshake(ctx, mcpClient)
	if !result.Success && result.ErrorType == models.ErrAuthFailed {
		return authGated(fmt.Errorf("%s", result.Error))
	}
	return result
}

// handshake performs initialize then tools/list and reports the sorted
// tool names.
func (v *Validator) handshake(ctx context.Context, mcpClient client.MCPClient) models.ConnectionTestResult {
	initReq := mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    "mcptap",
				Version: version.BuildVersion(),
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		return failure(fmt.Errorf("initialize: %w", err), Classify(err))
	}

	toolsResult, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return failure(fmt.Errorf("tools/list: %w", err), Classify(err))
	}

	tools := make([]string, 0, len(toolsResult.Tools))
	for _, tool := range toolsResult.Tools {
		tools = append(tools, tool.Name)
	}
	sort.Strings(tools)

	return models.ConnectionTestResult{Success: true, Tools: tools}
}

// missingEnv reports required names satisfied neither by the config
// block nor by the process environment.
func missingEnv(cfg models.ServerConfig, required []string) []string {
	var missing []string
	for _, key := range required {
		if _, ok := cfg.Env[key]; ok {
			continue
		}
		if os.Getenv(key) != "" {
			continue
		}
		missing = append(missing, key)
	}
	return missing
}

func failure(err error, category models.ErrorCategory) models.ConnectionTestResult {
	return models.ConnectionTestResult{
		Success:   false,
		Error:     err.Error(),
		ErrorType: category,
	}
}

func authGated(err error) models.ConnectionTestResult {
	return models.ConnectionTestResult{
		Success:   true,
		Error:     err.Error(),
		ErrorType: models.ErrAuthFailed,
	}
}
