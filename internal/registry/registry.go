// Package registry resolves canonical package metadata for lockfile
// entries: the concrete version behind a tag, the integrity pin for
// that version, and the upstream repository URL. It talks to npm,
// PyPI, and OCI registries; it never installs anything.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/felipestenzel/mcp-tap/internal/models"
	"github.com/felipestenzel/mcp-tap/internal/observability/logging"
	"github.com/google/go-containerregistry/pkg/crane"
)

const (
	defaultNPMBase  = "https://registry.npmjs.org"
	defaultPyPIBase = "https://pypi.org/pypi"
	defaultTimeout  = 30 * time.Second
)

// PackageInfo is the resolved canonical metadata for one package
// version.
type PackageInfo struct {
	Name          string
	Version       string
	Integrity     string
	TarballURL    string
	RepositoryURL string
}

// Client queries package registries.
type Client struct {
	httpClient   *http.Client
	npmBase      string
	pypiBase     string
	allowPrivate bool
	log          logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURLs overrides the registry endpoints, for mirrors and tests.
func WithBaseURLs(npmBase, pypiBase string) Option {
	return func(c *Client) {
		if npmBase != "" {
			c.npmBase = strings.TrimSuffix(npmBase, "/")
		}
		if pypiBase != "" {
			c.pypiBase = strings.TrimSuffix(pypiBase, "/")
		}
	}
}

// WithPrivateHosts permits http and private addresses, for local dev
// registries.
func WithPrivateHosts() Option {
	return func(c *Client) { c.allowPrivate = true }
}

// NewClient builds a registry client.
func NewClient(log logging.Logger, opts ...Option) *Client {
	if log == nil {
		log = logging.Noop()
	}
	c := &Client{
		npmBase:  defaultNPMBase,
		pypiBase: defaultPyPIBase,
		log:      log,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient = secureHTTPClient(defaultTimeout, c.allowPrivate)
	return c
}

// Resolve dispatches on registry type. version may be empty or a tag;
// the registry answers with the concrete version it denotes.
func (c *Client) Resolve(ctx context.Context, registryType models.RegistryType, pkg, version string) (*PackageInfo, error) {
	switch registryType {
	case models.RegistryNPM:
		return c.ResolveNPM(ctx, pkg, version)
	case models.RegistryPyPI:
		return c.ResolvePyPI(ctx, pkg, version)
	case models.RegistryOCI:
		return c.ResolveOCI(ctx, pkg)
	}
	return nil, fmt.Errorf("registry type %q has no metadata to resolve", registryType)
}

// npmVersionDoc is the subset of the npm version document we read.
type npmVersionDoc struct {
	Version string `json:"version"`
	Dist    struct {
		Tarball   string `json:"tarball"`
		Integrity string `json:"integrity"`
		Shasum    string `json:"shasum"`
	} `json:"dist"`
	Repository struct {
		URL string `json:"url"`
	} `json:"repository"`
}

// ResolveNPM fetches one version document. An empty version resolves
// the "latest" dist-tag.
func (c *Client) ResolveNPM(ctx context.Context, pkg, version string) (*PackageInfo, error) {
	if version == "" {
		version = "latest"
	}
	// scoped names keep their slash unescaped on the npm registry
	url := fmt.Sprintf("%s/%s/%s", c.npmBase, pkg, version)

	var doc npmVersionDoc
	if err := c.getJSON(ctx, url, &doc); err != nil {
		return nil, fmt.Errorf("resolve npm package %s@%s: %w", pkg, version, err)
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("npm registry returned no version for %s@%s", pkg, version)
	}

	integrity := doc.Dist.Integrity
	if integrity == "" && doc.Dist.Shasum != "" {
		integrity = "sha1-" + doc.Dist.Shasum
	}

	return &PackageInfo{
		Name:          pkg,
		Version:       doc.Version,
		Integrity:     integrity,
		TarballURL:    doc.Dist.Tarball,
		RepositoryURL: cleanRepositoryURL(doc.Repository.URL),
	}, nil
}

// pypiDoc is the subset of the PyPI JSON API we read.
type pypiDoc struct {
	Info struct {
		Version     string            `json:"version"`
		ProjectURLs map[string]string `json:"project_urls"`
	} `json:"info"`
	URLs []struct {
		PackageType string `json:"packagetype"`
		URL         string `json:"url"`
		Digests     struct {
			SHA256 string `json:"sha256"`
		} `json:"digests"`
	} `json:"urls"`
}

// ResolvePyPI fetches the project (or pinned release) document.
func (c *Client) ResolvePyPI(ctx context.Context, pkg, version string) (*PackageInfo, error) {
	url := fmt.Sprintf("%s/%s/json", c.pypiBase, pkg)
	if version != "" {
		url = fmt.Sprintf("%s/%s/%s/json", c.pypiBase, pkg, version)
	}

	var doc pypiDoc
	if err := c.getJSON(ctx, url, &doc); err != nil {
		return nil, fmt.Errorf("resolve pypi package %s: %w", pkg, err)
	}
	if doc.Info.Version == "" {
		return nil, fmt.Errorf("pypi returned no version for %s", pkg)
	}

	info := &PackageInfo{Name: pkg, Version: doc.Info.Version}
	// prefer the sdist digest; fall back to the first file
	for _, file := range doc.URLs {
		if file.Digests.SHA256 == "" {
			continue
		}
		if info.Integrity == "" || file.PackageType == "sdist" {
			info.Integrity = "sha256-" + file.Digests.SHA256
			info.TarballURL = file.URL
		}
		if file.PackageType == "sdist" {
			break
		}
	}
	for _, key := range []string{"Repository", "Source", "Source Code", "Homepage"} {
		if u, ok := doc.Info.ProjectURLs[key]; ok && u != "" {
			info.RepositoryURL = u
			break
		}
	}
	return info, nil
}

// ResolveOCI resolves an image reference to its manifest digest. The
// digest is the integrity pin; tags move, digests do not.
func (c *Client) ResolveOCI(ctx context.Context, image string) (*PackageInfo, error) {
	digest, err := crane.Digest(image, crane.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("resolve oci image %s: %w", image, err)
	}

	name, tag := image, ""
	if idx := strings.LastIndex(image, ":"); idx > strings.LastIndex(image, "/") {
		name, tag = image[:idx], image[idx+1:]
	}
	return &PackageInfo{
		Name:      name,
		Version:   tag,
		Integrity: digest,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	if err := ValidateRegistryURL(url, c.allowPrivate); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("not found (HTTP 404)")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// cleanRepositoryURL strips the VCS prefixes npm metadata carries
// (git+https://..., git+ssh://...) down to a browsable URL.
func cleanRepositoryURL(raw string) string {
	raw = strings.TrimPrefix(raw, "git+")
	raw = strings.TrimSuffix(raw, ".git")
	if strings.HasPrefix(raw, "git://") {
		raw = "https://" + strings.TrimPrefix(raw, "git://")
	}
	if strings.HasPrefix(raw, "ssh://git@") {
		raw = "https://" + strings.TrimPrefix(raw, "ssh://git@")
	}
	return raw
}
