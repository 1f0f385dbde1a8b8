package resolve

import (
	"strings"

	"github.com/felipestenzel/mcp-tap/internal/models"
)

// Identity is a canonical identity inferred from a live config.
type Identity struct {
	PackageIdentifier string
	RegistryType      models.RegistryType
	Version           string
}

// npmRunners and pypiRunners map launch commands to the registries
// their package tokens live in.
var (
	npmRunners  = map[string]bool{"npx": true, "bunx": true, "pnpm": true, "yarn": true}
	pypiRunners = map[string]bool{"uvx": true, "pipx": true}
)

// InferIdentity derives a canonical identity from a live config: the
// package behind a runner invocation, the image behind a docker run,
// or the endpoint of a remote entry. Returns false when the config
// carries no recognizable identity; the caller must not guess.
func InferIdentity(cfg models.ServerConfig) (Identity, bool) {
	if cfg.IsHTTP() {
		registryType := models.RegistryStreamableHTTP
		if cfg.Type == models.TransportSSE {
			registryType = models.RegistrySSE
		}
		return Identity{
			PackageIdentifier: normalizeURL(cfg.URL),
			RegistryType:      registryType,
		}, cfg.URL != ""
	}

	switch {
	case npmRunners[cfg.Command]:
		if token, ok := packageToken(cfg.Args, "dlx"); ok {
			pkg, ver := SplitVersionPin(token)
			return Identity{PackageIdentifier: pkg, RegistryType: models.RegistryNPM, Version: ver}, true
		}

	case pypiRunners[cfg.Command]:
		if token, ok := packageToken(cfg.Args, "run"); ok {
			pkg, ver := splitPyPIPin(token)
			return Identity{PackageIdentifier: pkg, RegistryType: models.RegistryPyPI, Version: ver}, true
		}

	case cfg.Command == "docker" || cfg.Command == "podman":
		if image, ok := dockerImage(cfg.Args); ok {
			pkg, ver := splitOCITag(image)
			return Identity{PackageIdentifier: pkg, RegistryType: models.RegistryOCI, Version: ver}, true
		}
	}
	return Identity{}, false
}

// packageToken finds the package name among runner args: the first
// token that is neither a flag nor the runner's own subcommand.
func packageToken(args []string, subcommand string) (string, bool) {
	for i, arg := range args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if i == 0 && arg == subcommand {
			continue
		}
		return arg, true
	}
	return "", false
}

// splitOCITag splits image:tag, leaving registry ports alone. A
// digest-pinned reference (image@sha256:...) keeps the digest as its
// version.
func splitOCITag(image string) (name, tag string) {
	if idx := strings.LastIndex(image, "@"); idx > 0 {
		return image[:idx], image[idx+1:]
	}
	if idx := strings.LastIndex(image, ":"); idx > strings.LastIndex(image, "/") {
		return image[:idx], image[idx+1:]
	}
	return image, ""
}

// splitPyPIPin handles pip-style pins (pkg==1.2.3) alongside the
// generic pkg@1.2.3 form uvx accepts.
func splitPyPIPin(token string) (pkg, version string) {
	if idx := strings.Index(token, "=="); idx > 0 {
		return token[:idx], token[idx+2:]
	}
	return SplitVersionPin(token)
}

// dockerImage finds the image reference in a docker run invocation:
// the first non-flag token after "run", skipping flag values for the
// flags that take one.
func dockerImage(args []string) (string, bool) {
	seenRun := false
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		if !seenRun {
			if arg == "run" {
				seenRun = true
			}
			continue
		}
		if strings.HasPrefix(arg, "-") {
			switch arg {
			case "-e", "--env", "-v", "--volume", "-p", "--publish",
				"--name", "--network", "-w", "--workdir", "--entrypoint":
				skipNext = true
			}
			continue
		}
		return arg, true
	}
	return "", false
}
