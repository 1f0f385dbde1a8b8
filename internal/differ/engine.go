// Package differ compares the lockfile's declared state against the
// live client-config state and emits a typed, severity-ranked drift
// report. The differ never mutates anything; it only observes.
package differ

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/felipestenzel/mcp-tap/internal/lockfile"
	"github.com/felipestenzel/mcp-tap/internal/models"
	"github.com/felipestenzel/mcp-tap/internal/observability/logging"
	"github.com/felipestenzel/mcp-tap/internal/observability/otel"
	"github.com/felipestenzel/mcp-tap/internal/policy"
	"github.com/felipestenzel/mcp-tap/internal/resolve"
	goversion "github.com/hashicorp/go-version"
	"github.com/wI2L/jsondiff"
)

// Engine performs diff operations. An optional policy engine adjusts
// the default severities after classification.
type Engine struct {
	policy *policy.Engine
	log    logging.Logger
}

func NewEngine(pol *policy.Engine, log logging.Logger) *Engine {
	if log == nil {
		log = logging.Noop()
	}
	return &Engine{policy: pol, log: log}
}

// Diff classifies every discrepancy between the lockfile and the live
// inventory. observed optionally carries freshly probed tool sets
// keyed by lockfile entry name; without it no TOOLS_CHANGED entries
// are produced, since stale lockfile data alone proves nothing about
// the live server.
//
// Output ordering is deterministic: entries sort by server name, then
// drift type. Two runs over the same state produce identical reports.
func (e *Engine) Diff(ctx context.Context, lf *models.Lockfile, installed []models.InstalledServer, observed map[string][]string) *models.VerifyResult {
	_, end := otel.Span(ctx, "differ.diff")
	defer end()

	result := &models.VerifyResult{Checked: len(lf.Servers)}
	used := make([]bool, len(installed))

	names := make([]string, 0, len(lf.Servers))
	for name := range lf.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		locked := lf.Servers[name]

		match := resolve.Resolve(name, locked, installed)
		if match == nil {
			result.Missing++
			e.append(result, locked, models.DriftEntry{
				Server:   name,
				Type:     models.DriftMissing,
				Detail:   "declared in lockfile but not present in any client config",
				Severity: models.SeverityWarning,
			})
			continue
		}
		for i := range installed {
			if &installed[i] == match {
				used[i] = true
			}
		}

		if !resolve.ConfigEquivalent(locked, *match) {
			result.Changed++
			e.append(result, locked, models.DriftEntry{
				Server:   name,
				Type:     models.DriftConfigChanged,
				Detail:   configDetail(locked, *match),
				Severity: models.SeverityWarning,
			})
		}

		if installedVer := resolve.InstalledVersion(locked, *match); installedVer != "" &&
			locked.Version != "" && installedVer != locked.Version {
			result.Changed++
			e.append(result, locked, models.DriftEntry{
				Server:   name,
				Type:     models.DriftVersionChanged,
				Detail:   versionDetail(locked.Version, installedVer),
				Severity: models.SeverityWarning,
			})
		}

		// A locked entry without a tools hash was recorded unprobed, so
		// there is no baseline to compare the live tool set against.
		if tools, ok := observed[name]; ok && locked.ToolsHash != "" {
			if hash := lockfile.ToolsHash(tools); hash != locked.ToolsHash {
				result.Changed++
				e.append(result, locked, models.DriftEntry{
					Server:   name,
					Type:     models.DriftToolsChanged,
					Detail:   toolsDetail(locked.Tools, tools),
					Severity: models.SeverityError,
				})
			}
		}
	}

	for i := range installed {
		if used[i] || e.matchesAnyLocked(lf, installed[i]) {
			continue
		}
		result.Extra++
		e.append(result, models.LockedServer{}, models.DriftEntry{
			Server:   installed[i].Name,
			Type:     models.DriftExtra,
			Detail:   fmt.Sprintf("present in %s but not declared in lockfile", installed[i].SourceFile),
			Severity: models.SeverityInfo,
		})
	}

	sort.Slice(result.Entries, func(a, b int) bool {
		if result.Entries[a].Server != result.Entries[b].Server {
			return result.Entries[a].Server < result.Entries[b].Server
		}
		return result.Entries[a].Type < result.Entries[b].Type
	})

	e.log.Info("differ", "drift computed",
		"checked", result.Checked, "missing", result.Missing,
		"extra", result.Extra, "changed", result.Changed)
	return result
}

func (e *Engine) append(result *models.VerifyResult, locked models.LockedServer, entry models.DriftEntry) {
	entry.Severity = e.policy.Apply(entry, policy.EntryContext{
		VerifiedHealthy: locked.VerifiedHealthy,
	})
	result.Entries = append(result.Entries, entry)
}

func (e *Engine) matchesAnyLocked(lf *models.Lockfile, cand models.InstalledServer) bool {
	for name, locked := range lf.Servers {
		if resolve.Matches(name, locked, cand) {
			return true
		}
	}
	return false
}

// configDetail renders the changed fields as a JSON Patch between the
// two effective configs, so the report names exactly what moved.
func configDetail(locked models.LockedServer, cand models.InstalledServer) string {
	patch, err := jsondiff.Compare(resolve.EffectiveLocked(locked), resolve.EffectiveLive(locked, cand))
	if err != nil || len(patch) == 0 {
		return "launch configuration differs from lockfile"
	}
	return patch.String()
}

func versionDetail(lockedVer, installedVer string) string {
	direction := "changed to"
	lv, lerr := goversion.NewVersion(lockedVer)
	iv, ierr := goversion.NewVersion(installedVer)
	if lerr == nil && ierr == nil {
		if iv.GreaterThan(lv) {
			direction = "upgraded to"
		} else if iv.LessThan(lv) {
			direction = "downgraded to"
		}
	}
	return fmt.Sprintf("locked %s, %s %s", lockedVer, direction, installedVer)
}

func toolsDetail(locked, observed []string) string {
	lockedSet := make(map[string]struct{}, len(locked))
	for _, t := range locked {
		lockedSet[t] = struct{}{}
	}
	observedSet := make(map[string]struct{}, len(observed))
	for _, t := range observed {
		observedSet[t] = struct{}{}
	}

	var added, removed []string
	for t := range observedSet {
		if _, ok := lockedSet[t]; !ok {
			added = append(added, t)
		}
	}
	for t := range lockedSet {
		if _, ok := observedSet[t]; !ok {
			removed = append(removed, t)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	var parts []string
	if len(added) > 0 {
		parts = append(parts, "added: "+strings.Join(added, ", "))
	}
	if len(removed) > 0 {
		parts = append(parts, "removed: "+strings.Join(removed, ", "))
	}
	if len(parts) == 0 {
		return "tool set hash differs from lockfile"
	}
	return strings.Join(parts, "; ")
}
