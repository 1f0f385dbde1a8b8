package clientcfg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/felipestenzel/mcp-tap/internal/models"
	"github.com/tidwall/gjson"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	servers, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if servers != nil {
		t.Errorf("expected empty inventory, got %d entries", len(servers))
	}
}

func TestLoadParsesEntries(t *testing.T) {
	path := writeFile(t, t.TempDir(), ".mcp.json", `{
  "mcpServers": {
    "postgres": {
      "command": "npx",
      "args": ["-y", "@modelcontextprotocol/server-postgres@1.2.0"],
      "env": {"DATABASE_URL": "postgres://localhost/db"}
    },
    "linear": {
      "type": "http",
      "url": "https://mcp.linear.app/mcp",
      "headers": {"Authorization": "Bearer tok"}
    },
    "broken": {"note": "no command or url"}
  },
  "otherSetting": true
}`)

	servers, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(servers))
	}

	byName := make(map[string]models.InstalledServer)
	for _, s := range servers {
		byName[s.Name] = s
	}

	pg, ok := byName["postgres"]
	if !ok {
		t.Fatal("postgres entry missing")
	}
	if pg.Config.Command != "npx" || len(pg.Config.Args) != 2 {
		t.Errorf("postgres config wrong: %+v", pg.Config)
	}
	if pg.Config.Env["DATABASE_URL"] == "" {
		t.Error("postgres env not parsed")
	}
	if pg.SourceFile != path {
		t.Errorf("source file = %q, want %q", pg.SourceFile, path)
	}

	lin, ok := byName["linear"]
	if !ok {
		t.Fatal("linear entry missing")
	}
	if !lin.Config.IsHTTP() || lin.Config.URL != "https://mcp.linear.app/mcp" {
		t.Errorf("linear config wrong: %+v", lin.Config)
	}

	if _, ok := byName["broken"]; ok {
		t.Error("unparseable entry should be skipped")
	}
}

func TestLoadRejectsInvalidJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.json", `{"mcpServers": `)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestSetServerPreservesUnrelatedKeys(t *testing.T) {
	path := writeFile(t, t.TempDir(), ".mcp.json", `{
  "theme": "dark",
  "mcpServers": {
    "existing": {"command": "uvx", "args": ["mcp-server-git"]}
  }
}`)

	err := SetServer(path, "postgres", models.ServerConfig{
		Command: "npx",
		Args:    []string{"-y", "@modelcontextprotocol/server-postgres"},
	})
	if err != nil {
		t.Fatalf("SetServer: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if gjson.GetBytes(data, "theme").String() != "dark" {
		t.Error("unrelated top-level key lost")
	}
	if gjson.GetBytes(data, "mcpServers.existing.command").String() != "uvx" {
		t.Error("sibling server block lost")
	}
	if gjson.GetBytes(data, "mcpServers.postgres.command").String() != "npx" {
		t.Error("new server block not written")
	}
}

func TestSetServerCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", ".mcp.json")
	err := SetServer(path, "linear", models.ServerConfig{
		Type: models.TransportHTTP,
		URL:  "https://mcp.linear.app/mcp",
	})
	if err != nil {
		t.Fatalf("SetServer: %v", err)
	}

	servers, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(servers) != 1 || servers[0].Name != "linear" {
		t.Fatalf("unexpected inventory: %+v", servers)
	}
}

func TestSetServerRefusesCorruptFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "corrupt.json", "not json")
	err := SetServer(path, "x", models.ServerConfig{Command: "npx"})
	if err == nil || !strings.Contains(err.Error(), "refusing") {
		t.Fatalf("expected refusal on corrupt file, got %v", err)
	}
}

func TestRemoveServerIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, ".mcp.json", `{"mcpServers": {"a": {"command": "npx"}, "b": {"command": "uvx"}}}`)

	if err := RemoveServer(path, "a"); err != nil {
		t.Fatalf("RemoveServer: %v", err)
	}
	if err := RemoveServer(path, "a"); err != nil {
		t.Fatalf("second RemoveServer: %v", err)
	}
	if err := RemoveServer(filepath.Join(dir, "absent.json"), "a"); err != nil {
		t.Fatalf("RemoveServer on missing file: %v", err)
	}

	servers, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(servers) != 1 || servers[0].Name != "b" {
		t.Fatalf("unexpected inventory after removal: %+v", servers)
	}
}

func TestSetServerEscapesDottedName(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".mcp.json")
	if err := SetServer(path, "org.example", models.ServerConfig{Command: "npx"}); err != nil {
		t.Fatalf("SetServer: %v", err)
	}

	servers, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(servers) != 1 || servers[0].Name != "org.example" {
		t.Fatalf("dotted name mishandled: %+v", servers)
	}
}

func TestCollectMergesFiles(t *testing.T) {
	dir := t.TempDir()
	p1 := writeFile(t, dir, "one.json", `{"mcpServers": {"a": {"command": "npx"}}}`)
	p2 := writeFile(t, dir, "two.json", `{"mcpServers": {"b": {"url": "https://x.example/mcp"}}}`)

	servers, err := Collect(p1, p2, filepath.Join(dir, "absent.json"))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(servers))
	}
}
