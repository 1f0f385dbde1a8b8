// Package heal turns classified validation failures into bounded
// remediation attempts. The controller owns the category-to-fix table;
// the probe layer never decides what to do about a failure, and the
// healer never parses raw error strings.
package heal

import (
	"context"
	"os/exec"
	"time"

	"github.com/felipestenzel/mcp-tap/internal/models"
	"github.com/felipestenzel/mcp-tap/internal/observability/logging"
	"github.com/felipestenzel/mcp-tap/internal/observability/otel"
)

// DefaultMaxAttempts bounds total validations per server, the initial
// failed one included. Healing must terminate; there is no retry-forever
// path.
const DefaultMaxAttempts = 4

// timeoutEscalation multiplies the base deadline for the single
// extended-timeout retry.
const timeoutEscalation = 3

// Prober abstracts the connection validator so the controller is
// testable with canned outcomes.
type Prober interface {
	Probe(ctx context.Context, name string, cfg models.ServerConfig, requiredEnv []string, timeout time.Duration) models.ConnectionTestResult
}

// Attempt records one validation within a healing run.
type Attempt struct {
	Strategy string                      `json:"strategy"`
	Config   models.ServerConfig         `json:"config"`
	Result   models.ConnectionTestResult `json:"result"`
}

// Result is the outcome of one healing run. Attempts always starts
// with the original failed validation, so its length is the total
// number of connections made.
type Result struct {
	Server      string              `json:"server"`
	Healed      bool                `json:"healed"`
	FinalConfig models.ServerConfig `json:"final_config"`
	Attempts    []Attempt           `json:"attempts"`
	Guidance    string              `json:"guidance,omitempty"`
}

// Controller drives bounded healing runs.
type Controller struct {
	prober      Prober
	maxAttempts int
	baseTimeout time.Duration
	lookPath    func(string) (string, error)
	log         logging.Logger
}

// NewController builds a controller. Zero maxAttempts means
// DefaultMaxAttempts.
func NewController(prober Prober, maxAttempts int, baseTimeout time.Duration, log logging.Logger) *Controller {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Controller{
		prober:      prober,
		maxAttempts: maxAttempts,
		baseTimeout: baseTimeout,
		lookPath:    exec.LookPath,
		log:         log,
	}
}

// Heal attempts to repair one server whose initial validation failed.
// The initial result is recorded as attempt one; each fix costs one
// more validation, and the run stops at the attempt budget, on
// success, or when no untried fix remains for the current category.
func (c *Controller) Heal(ctx context.Context, name string, cfg models.ServerConfig, requiredEnv []string, initial models.ConnectionTestResult) *Result {
	ctx, end := otel.Span(ctx, "heal.run")
	defer end()

	result := &Result{
		Server:      name,
		FinalConfig: cfg,
		Attempts:    []Attempt{{Strategy: "initial", Config: cfg, Result: initial}},
	}
	if initial.Success {
		result.Healed = true
		return result
	}

	tried := make(map[string]bool)
	category := initial.ErrorType
	current := cfg
	lastResult := initial

	for len(result.Attempts) < c.maxAttempts {
		if err := ctx.Err(); err != nil {
			break
		}

		fixes := c.fixesFor(category, current, tried)
		if len(fixes) == 0 {
			break
		}
		next := fixes[0]
		tried[next.strategy] = true

		timeout := c.baseTimeout
		if next.extendTimeout {
			timeout = c.baseTimeout * timeoutEscalation
		}

		c.log.Info("heal", "attempting fix",
			"server", name, "strategy", next.strategy, "category", string(category))

		res := c.prober.Probe(ctx, name, next.cfg, requiredEnv, timeout)
		result.Attempts = append(result.Attempts, Attempt{
			Strategy: next.strategy,
			Config:   next.cfg,
			Result:   res,
		})

		if res.Success {
			result.Healed = true
			result.FinalConfig = next.cfg
			c.log.Info("heal", "server healed",
				"server", name, "strategy", next.strategy, "attempts", len(result.Attempts))
			return result
		}

		// reclassify so a fix that uncovers a different failure mode
		// routes to that mode's fixes next
		category = res.ErrorType
		current = next.cfg
		lastResult = res
	}

	result.Guidance = Guidance(category, lastResult)
	c.log.Warn("heal", "server not healed",
		"server", name, "category", string(category), "attempts", len(result.Attempts))
	return result
}
