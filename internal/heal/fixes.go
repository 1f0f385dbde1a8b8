package heal

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/felipestenzel/mcp-tap/internal/models"
	"github.com/felipestenzel/mcp-tap/internal/resolve"
)

// fix is one candidate remediation: a strategy label and the rewritten
// config to retry with.
type fix struct {
	strategy string
	cfg      models.ServerConfig
	// extendTimeout asks the controller to retry with a longer
	// per-attempt deadline.
	extendTimeout bool
}

// runnerAlternate describes how to express "run this package" under a
// different package runner.
type runnerAlternate struct {
	command string
	// prefix args inserted before the original package args
	prefix []string
	// dropFlags removed from the original args; "-y" is an npx-ism
	dropFlags []string
}

// runnerAlternates maps a missing runner to its substitutes, in
// preference order.
var runnerAlternates = map[string][]runnerAlternate{
	"npx": {
		{command: "bunx", dropFlags: []string{"-y", "--yes"}},
		{command: "pnpm", prefix: []string{"dlx"}, dropFlags: []string{"-y", "--yes"}},
	},
	"uvx": {
		{command: "pipx", prefix: []string{"run"}},
	},
	"bunx": {
		{command: "npx", prefix: []string{"-y"}},
	},
}

// fixesFor produces candidate remediations for one failure category,
// in the order they should be tried. tried filters out strategies
// already attempted this run.
func (c *Controller) fixesFor(category models.ErrorCategory, cfg models.ServerConfig, tried map[string]bool) []fix {
	var fixes []fix

	switch category {
	case models.ErrCommandNotFound:
		for _, alt := range runnerAlternates[cfg.Command] {
			strategy := "runner:" + alt.command
			if tried[strategy] {
				continue
			}
			if _, err := c.lookPath(alt.command); err != nil {
				continue
			}
			fixes = append(fixes, fix{strategy: strategy, cfg: rewriteRunner(cfg, alt)})
		}

	case models.ErrTransportMismatch:
		if !tried["transport-flip"] {
			if flipped, ok := flipTransport(cfg); ok {
				fixes = append(fixes, fix{strategy: "transport-flip", cfg: flipped})
			}
		}

	case models.ErrConnectionRefused:
		if !tried["endpoint-alternate"] {
			if alt, ok := alternateEndpoint(cfg); ok {
				fixes = append(fixes, fix{strategy: "endpoint-alternate", cfg: alt})
			}
		}

	case models.ErrTimeout:
		// one escalation only; a server that cannot answer inside the
		// extended deadline is down, not slow
		if !tried["extended-timeout"] {
			fixes = append(fixes, fix{strategy: "extended-timeout", cfg: cfg, extendTimeout: true})
		}
	}

	return fixes
}

func rewriteRunner(cfg models.ServerConfig, alt runnerAlternate) models.ServerConfig {
	out := cfg
	out.Command = alt.command

	drop := make(map[string]bool, len(alt.dropFlags))
	for _, f := range alt.dropFlags {
		drop[f] = true
	}
	args := make([]string, 0, len(alt.prefix)+len(cfg.Args))
	args = append(args, alt.prefix...)
	for _, a := range cfg.Args {
		if drop[a] {
			continue
		}
		args = append(args, a)
	}
	out.Args = args
	return out
}

// flipTransport converts between the two representations of a remote
// server: a native HTTP entry and a stdio bridge wrapping the same
// URL. Plain stdio configs with no discoverable URL cannot flip.
func flipTransport(cfg models.ServerConfig) (models.ServerConfig, bool) {
	if cfg.IsHTTP() {
		return models.ServerConfig{
			Command: "npx",
			Args:    []string{"-y", "mcp-remote", cfg.URL},
			Env:     cfg.Env,
		}, true
	}
	if url := resolve.EndpointURL(cfg); url != "" {
		return models.ServerConfig{
			Type:    models.TransportHTTP,
			URL:     url,
			Env:     cfg.Env,
			Headers: cfg.Headers,
		}, true
	}
	return models.ServerConfig{}, false
}

// alternateEndpoint proposes the one discoverable variant of a refused
// endpoint: the localhost/127.0.0.1 spelling it was not using.
// Services bound to a single interface family commonly refuse the
// other spelling. Non-local hosts have no discoverable alternate.
func alternateEndpoint(cfg models.ServerConfig) (models.ServerConfig, bool) {
	if !cfg.IsHTTP() {
		return models.ServerConfig{}, false
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return models.ServerConfig{}, false
	}

	var host string
	switch u.Hostname() {
	case "localhost":
		host = "127.0.0.1"
	case "127.0.0.1":
		host = "localhost"
	default:
		return models.ServerConfig{}, false
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		u.Host = host
	}

	out := cfg
	out.URL = u.String()
	return out, true
}

// Guidance renders user-facing advice for a category the controller
// cannot fix on its own.
func Guidance(category models.ErrorCategory, result models.ConnectionTestResult) string {
	switch category {
	case models.ErrMissingEnvVar:
		return fmt.Sprintf("set the required environment variables and rerun: %s", result.Error)
	case models.ErrAuthFailed:
		return "the server is reachable but rejects the current credentials; refresh the token or API key it expects"
	case models.ErrPermissionDenied:
		return "the command exists but is not executable by this user; check file permissions"
	case models.ErrConnectionRefused:
		return "nothing is listening at the configured endpoint; start the service or correct the URL and port"
	case models.ErrCommandNotFound:
		return "no installed package runner can launch this server; install one of: " + knownRunners()
	case models.ErrTimeout:
		return "the server did not answer the handshake inside the extended deadline; it may be hung or mislabeled"
	}
	return "validation failed for a reason the healer does not recognize; see the attempt log"
}

func knownRunners() string {
	return strings.Join([]string{"npx", "bunx", "pnpm", "uvx", "pipx"}, ", ")
}
