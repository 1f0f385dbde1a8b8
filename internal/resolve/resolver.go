// Package resolve matches declared lockfile entries to live installed
// servers. The same installed package may appear under a different
// local alias, and the same logical server may be expressed as a
// native HTTP endpoint or as a wrapped bridge command, so name
// comparison alone is not identity. Resolution must never match two
// different packages, and must never miss a legitimate alias.
package resolve

import (
	"sort"
	"strings"

	"github.com/felipestenzel/mcp-tap/internal/models"
)

// Resolve finds the installed counterpart of a locked entry. Matching
// priority, first match wins:
//
//  1. local alias equals the lockfile key
//  2. candidate carries the same canonical package identifier
//  3. config-semantic equivalence (URL identity for remote entries,
//     package token in args for stdio entries)
//
// A candidate whose canonical metadata contradicts the locked entry is
// excluded outright, regardless of alias.
func Resolve(name string, locked models.LockedServer, candidates []models.InstalledServer) *models.InstalledServer {
	for i := range candidates {
		cand := &candidates[i]
		if cand.PackageIdentifier != "" && cand.PackageIdentifier != locked.PackageIdentifier {
			continue
		}
		if cand.Name == name {
			return cand
		}
	}

	for i := range candidates {
		cand := &candidates[i]
		if cand.PackageIdentifier != "" && cand.PackageIdentifier == locked.PackageIdentifier {
			return cand
		}
	}

	for i := range candidates {
		cand := &candidates[i]
		if cand.PackageIdentifier != "" && cand.PackageIdentifier != locked.PackageIdentifier {
			continue
		}
		if identityEquivalent(locked, *cand) {
			return cand
		}
	}

	return nil
}

// Matches reports whether one candidate resolves against one locked
// entry. Used for the inverse pass that finds EXTRA servers.
func Matches(name string, locked models.LockedServer, cand models.InstalledServer) bool {
	return Resolve(name, locked, []models.InstalledServer{cand}) != nil
}

// identityEquivalent applies the config-semantic rules.
func identityEquivalent(locked models.LockedServer, cand models.InstalledServer) bool {
	if locked.RegistryType.Remote() {
		lockedURL := normalizeURL(locked.PackageIdentifier)
		candURL := normalizeURL(EndpointURL(cand.Config))
		return lockedURL != "" && lockedURL == candURL
	}

	// stdio: the locked package identifier must appear as a literal
	// token among the args, optionally version-pinned (pkg@1.2.3).
	for _, arg := range cand.Config.Args {
		pkg, _ := SplitVersionPin(arg)
		if pkg == locked.PackageIdentifier {
			return true
		}
	}
	return false
}

// EndpointURL extracts the remote endpoint a live config points at:
// the native URL, or for a subprocess bridge the URL in its final
// argument. Returns "" for plain stdio configs.
func EndpointURL(cfg models.ServerConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	if len(cfg.Args) > 0 {
		last := cfg.Args[len(cfg.Args)-1]
		if isHTTPURL(last) {
			return last
		}
	}
	return ""
}

// SplitVersionPin splits a package token of the form pkg@version,
// handling npm scopes (@scope/pkg@1.2.3). Returns the token unchanged
// with an empty version when no pin is present.
func SplitVersionPin(token string) (pkg, version string) {
	search := token
	offset := 0
	if strings.HasPrefix(token, "@") {
		search = token[1:]
		offset = 1
	}
	idx := strings.LastIndex(search, "@")
	if idx <= 0 {
		return token, ""
	}
	return token[:offset+idx], token[offset+idx+1:]
}

// ConfigEquivalent reports whether a resolved pair's effective configs
// agree. Identity equivalence is assumed; this checks the remaining
// command/args/env surface. Representation differences that preserve
// semantics (native HTTP vs. bridge, version pin drift) do not count.
func ConfigEquivalent(locked models.LockedServer, cand models.InstalledServer) bool {
	le := EffectiveLocked(locked)
	ce := EffectiveLive(locked, cand)

	if le.Transport != ce.Transport {
		return false
	}
	if le.URL != ce.URL {
		return false
	}
	if le.Command != ce.Command {
		return false
	}
	if !equalStrings(le.Args, ce.Args) {
		return false
	}
	return equalStrings(le.EnvKeys, ce.EnvKeys)
}

// Effective is the normalized, comparable shape of a server config.
// Values are canonicalized so that two semantically equal configs
// produce identical structs.
type Effective struct {
	Transport string   `json:"transport"`
	URL       string   `json:"url,omitempty"`
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
	EnvKeys   []string `json:"env_keys,omitempty"`
}

// EffectiveLocked normalizes a locked entry.
func EffectiveLocked(locked models.LockedServer) Effective {
	if locked.RegistryType.Remote() {
		return Effective{
			Transport: models.TransportHTTP,
			URL:       normalizeURL(locked.PackageIdentifier),
			EnvKeys:   sortedCopy(locked.Config.EnvKeys),
		}
	}
	return Effective{
		Transport: models.TransportStdio,
		Command:   locked.Config.Command,
		Args:      stripVersionPins(locked.Config.Args, locked.PackageIdentifier),
		EnvKeys:   sortedCopy(locked.Config.EnvKeys),
	}
}

// EffectiveLive normalizes a live candidate relative to the locked
// entry it resolved against. A bridge wrapping the locked URL
// collapses to the same shape as a native HTTP config.
func EffectiveLive(locked models.LockedServer, cand models.InstalledServer) Effective {
	if locked.RegistryType.Remote() {
		return Effective{
			Transport: models.TransportHTTP,
			URL:       normalizeURL(EndpointURL(cand.Config)),
			EnvKeys:   cand.Config.EnvKeys(),
		}
	}
	return Effective{
		Transport: models.TransportStdio,
		Command:   cand.Config.Command,
		Args:      stripVersionPins(cand.Config.Args, locked.PackageIdentifier),
		EnvKeys:   cand.Config.EnvKeys(),
	}
}

// InstalledVersion reports the version a live stdio config pins for
// the locked package, or "" when not discoverable.
func InstalledVersion(locked models.LockedServer, cand models.InstalledServer) string {
	if locked.RegistryType.Remote() {
		return ""
	}
	for _, arg := range cand.Config.Args {
		pkg, ver := SplitVersionPin(arg)
		if pkg == locked.PackageIdentifier && ver != "" {
			return ver
		}
	}
	return ""
}

func stripVersionPins(args []string, pkg string) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, len(args))
	for i, arg := range args {
		p, ver := SplitVersionPin(arg)
		if p == pkg && ver != "" {
			out[i] = p
			continue
		}
		out[i] = arg
	}
	return out
}

func normalizeURL(u string) string {
	return strings.TrimSuffix(strings.TrimSpace(u), "/")
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
