package resolve

import (
	"testing"

	"github.com/felipestenzel/mcp-tap/internal/models"
)

func stdioLocked(pkg string) models.LockedServer {
	return models.LockedServer{
		PackageIdentifier: pkg,
		RegistryType:      models.RegistryNPM,
		Config: models.LockedConfig{
			Command: "npx",
			Args:    []string{"-y", pkg},
		},
	}
}

func remoteLocked(url string) models.LockedServer {
	return models.LockedServer{
		PackageIdentifier: url,
		RegistryType:      models.RegistryStreamableHTTP,
	}
}

func TestResolvePrefersLocalName(t *testing.T) {
	locked := stdioLocked("@modelcontextprotocol/server-postgres")
	candidates := []models.InstalledServer{
		{Name: "other", Config: models.ServerConfig{Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-postgres"}}},
		{Name: "postgres", Config: models.ServerConfig{Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-postgres"}}},
	}

	got := Resolve("postgres", locked, candidates)
	if got == nil || got.Name != "postgres" {
		t.Fatalf("expected name match, got %+v", got)
	}
}

func TestResolveAliasByPackageIdentifier(t *testing.T) {
	locked := stdioLocked("@modelcontextprotocol/server-postgres")
	candidates := []models.InstalledServer{
		{
			Name:              "my-db",
			PackageIdentifier: "@modelcontextprotocol/server-postgres",
			Config:            models.ServerConfig{Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-postgres"}},
		},
	}

	got := Resolve("postgres", locked, candidates)
	if got == nil || got.Name != "my-db" {
		t.Fatalf("expected alias to resolve by canonical id, got %+v", got)
	}
}

func TestResolveNeverMatchesDifferentPackage(t *testing.T) {
	locked := stdioLocked("@modelcontextprotocol/server-postgres")
	candidates := []models.InstalledServer{
		{
			// identical local name, contradicting canonical identity
			Name:              "postgres",
			PackageIdentifier: "@evil/impostor",
			Config:            models.ServerConfig{Command: "npx", Args: []string{"-y", "@evil/impostor"}},
		},
	}

	if got := Resolve("postgres", locked, candidates); got != nil {
		t.Fatalf("contradicting package identifier must not resolve, got %+v", got)
	}
}

func TestResolveStdioByArgsToken(t *testing.T) {
	locked := stdioLocked("@modelcontextprotocol/server-postgres")
	candidates := []models.InstalledServer{
		{Name: "db", Config: models.ServerConfig{Command: "bunx", Args: []string{"@modelcontextprotocol/server-postgres@1.3.0"}}},
	}

	got := Resolve("postgres", locked, candidates)
	if got == nil || got.Name != "db" {
		t.Fatalf("expected version-pinned args token to resolve, got %+v", got)
	}
}

func TestResolveRemoteNativeAndBridge(t *testing.T) {
	locked := remoteLocked("https://x.example/mcp")

	native := models.InstalledServer{
		Name:   "svc",
		Config: models.ServerConfig{Type: models.TransportHTTP, URL: "https://x.example/mcp"},
	}
	bridge := models.InstalledServer{
		Name:   "svc-bridge",
		Config: models.ServerConfig{Command: "npx", Args: []string{"-y", "mcp-remote", "https://x.example/mcp"}},
	}
	other := models.InstalledServer{
		Name:   "unrelated",
		Config: models.ServerConfig{Type: models.TransportHTTP, URL: "https://y.example/mcp"},
	}

	if got := Resolve("x", locked, []models.InstalledServer{native}); got == nil {
		t.Error("native HTTP candidate should resolve")
	}
	if got := Resolve("x", locked, []models.InstalledServer{bridge}); got == nil {
		t.Error("bridge candidate wrapping the locked URL should resolve")
	}
	if got := Resolve("x", locked, []models.InstalledServer{other}); got != nil {
		t.Errorf("different endpoint must not resolve, got %+v", got)
	}
}

func TestResolveTrailingSlash(t *testing.T) {
	locked := remoteLocked("https://x.example/mcp")
	cand := models.InstalledServer{
		Name:   "svc",
		Config: models.ServerConfig{URL: "https://x.example/mcp/"},
	}
	if got := Resolve("x", locked, []models.InstalledServer{cand}); got == nil {
		t.Fatal("trailing slash should not defeat URL identity")
	}
}

func TestResolveNoCandidates(t *testing.T) {
	locked := stdioLocked("@modelcontextprotocol/server-postgres")
	if got := Resolve("postgres", locked, nil); got != nil {
		t.Fatalf("expected nil for empty candidate set, got %+v", got)
	}
}

func TestSplitVersionPin(t *testing.T) {
	cases := []struct {
		token, pkg, version string
	}{
		{"@scope/pkg@1.2.3", "@scope/pkg", "1.2.3"},
		{"@scope/pkg", "@scope/pkg", ""},
		{"pkg@1.2.3", "pkg", "1.2.3"},
		{"pkg", "pkg", ""},
		{"-y", "-y", ""},
		{"@scope/pkg@latest", "@scope/pkg", "latest"},
	}
	for _, tc := range cases {
		pkg, version := SplitVersionPin(tc.token)
		if pkg != tc.pkg || version != tc.version {
			t.Errorf("SplitVersionPin(%q) = (%q, %q), want (%q, %q)",
				tc.token, pkg, version, tc.pkg, tc.version)
		}
	}
}

func TestConfigEquivalentIgnoresVersionPinDrift(t *testing.T) {
	locked := stdioLocked("@modelcontextprotocol/server-postgres")
	cand := models.InstalledServer{
		Name: "postgres",
		Config: models.ServerConfig{
			Command: "npx",
			Args:    []string{"-y", "@modelcontextprotocol/server-postgres@1.3.0"},
		},
	}
	if !ConfigEquivalent(locked, cand) {
		t.Error("version pin drift alone must not count as config change")
	}
}

func TestConfigEquivalentDetectsArgChange(t *testing.T) {
	locked := stdioLocked("@modelcontextprotocol/server-postgres")
	cand := models.InstalledServer{
		Name: "postgres",
		Config: models.ServerConfig{
			Command: "npx",
			Args:    []string{"-y", "@modelcontextprotocol/server-postgres", "--read-only"},
		},
	}
	if ConfigEquivalent(locked, cand) {
		t.Error("added arg must count as config change")
	}
}

func TestConfigEquivalentBridgeCollapses(t *testing.T) {
	locked := remoteLocked("https://x.example/mcp")
	locked.Config.EnvKeys = []string{"API_TOKEN"}

	bridge := models.InstalledServer{
		Name: "svc",
		Config: models.ServerConfig{
			Command: "npx",
			Args:    []string{"-y", "mcp-remote", "https://x.example/mcp"},
			Env:     map[string]string{"API_TOKEN": "secret"},
		},
	}
	if !ConfigEquivalent(locked, bridge) {
		t.Error("bridge wrapping the locked URL must be config-equivalent to the remote entry")
	}
}

func TestConfigEquivalentEnvKeyDrift(t *testing.T) {
	locked := stdioLocked("@modelcontextprotocol/server-postgres")
	locked.Config.EnvKeys = []string{"DATABASE_URL"}

	cand := models.InstalledServer{
		Name: "postgres",
		Config: models.ServerConfig{
			Command: "npx",
			Args:    []string{"-y", "@modelcontextprotocol/server-postgres"},
			Env:     map[string]string{"DATABASE_URL": "x", "DEBUG": "1"},
		},
	}
	if ConfigEquivalent(locked, cand) {
		t.Error("extra env key must count as config change")
	}
}

func TestInstalledVersion(t *testing.T) {
	locked := stdioLocked("@modelcontextprotocol/server-postgres")
	cand := models.InstalledServer{
		Config: models.ServerConfig{
			Command: "npx",
			Args:    []string{"-y", "@modelcontextprotocol/server-postgres@1.3.0"},
		},
	}
	if v := InstalledVersion(locked, cand); v != "1.3.0" {
		t.Errorf("InstalledVersion = %q, want 1.3.0", v)
	}

	unpinned := models.InstalledServer{
		Config: models.ServerConfig{Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-postgres"}},
	}
	if v := InstalledVersion(locked, unpinned); v != "" {
		t.Errorf("InstalledVersion for unpinned = %q, want empty", v)
	}
}
