package lockfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/felipestenzel/mcp-tap/internal/models"
)

func testStore() *Store {
	return NewStore("mcptap@test", nil)
}

func sampleServer() models.LockedServer {
	return models.LockedServer{
		PackageIdentifier: "@modelcontextprotocol/server-postgres",
		RegistryType:      models.RegistryNPM,
		Version:           "1.2.0",
		Config: models.LockedConfig{
			Command: "npx",
			Args:    []string{"-y", "@modelcontextprotocol/server-postgres"},
			EnvKeys: []string{"DATABASE_URL"},
		},
		Tools:       []string{"query", "list_schemas"},
		InstalledAt: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
	}
}

func TestReadMissingFile(t *testing.T) {
	s := testStore()
	_, err := s.Read(filepath.Join(t.TempDir(), "absent.lock.json"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := testStore()
	path := filepath.Join(t.TempDir(), "mcp.lock.json")

	if err := s.UpsertServer(path, "postgres", sampleServer()); err != nil {
		t.Fatalf("UpsertServer: %v", err)
	}

	lf, err := s.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if lf.SchemaVersion != models.SchemaVersion {
		t.Errorf("schema_version = %d, want %d", lf.SchemaVersion, models.SchemaVersion)
	}
	if lf.GeneratedBy != "mcptap@test" {
		t.Errorf("generated_by = %q", lf.GeneratedBy)
	}
	srv, ok := lf.Servers["postgres"]
	if !ok {
		t.Fatal("postgres entry missing after round trip")
	}
	if srv.ToolsHash == "" {
		t.Error("tools_hash not computed on upsert")
	}
	if srv.ToolsHash != ToolsHash(srv.Tools) {
		t.Error("tools_hash does not match tool set")
	}
}

func TestMarshalDeterministic(t *testing.T) {
	s := testStore()
	path := filepath.Join(t.TempDir(), "mcp.lock.json")

	srv := sampleServer()
	// shuffled list fields must not change the output
	srv.Tools = []string{"query", "list_schemas"}
	if err := s.UpsertServer(path, "postgres", srv); err != nil {
		t.Fatalf("UpsertServer: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	lf, err := s.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	rewritten, err := Marshal(lf)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, rewritten) {
		t.Errorf("rewrite is not byte-identical:\n--- first ---\n%s\n--- rewritten ---\n%s", first, rewritten)
	}

	if !bytes.HasSuffix(first, []byte("\n")) {
		t.Error("output must end with a trailing newline")
	}

	var generic map[string]any
	if err := json.Unmarshal(first, &generic); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
}

func TestToolsHashOrderIndependent(t *testing.T) {
	a := ToolsHash([]string{"query", "list_schemas", "explain"})
	b := ToolsHash([]string{"explain", "query", "list_schemas"})
	if a != b {
		t.Errorf("hash depends on order: %s vs %s", a, b)
	}
	if a == ToolsHash([]string{"query", "list_schemas"}) {
		t.Error("different tool sets must hash differently")
	}
	if ToolsHash(nil) != "" {
		t.Error("empty set must hash to empty string")
	}
}

func TestRemoveServer(t *testing.T) {
	s := testStore()
	path := filepath.Join(t.TempDir(), "mcp.lock.json")

	if err := s.UpsertServer(path, "postgres", sampleServer()); err != nil {
		t.Fatalf("UpsertServer: %v", err)
	}
	if err := s.RemoveServer(path, "postgres"); err != nil {
		t.Fatalf("RemoveServer: %v", err)
	}
	if err := s.RemoveServer(path, "postgres"); !errors.Is(err, ErrServerNotLocked) {
		t.Fatalf("expected ErrServerNotLocked on double remove, got %v", err)
	}

	lf, err := s.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(lf.Servers) != 0 {
		t.Errorf("servers not empty after removal: %v", lf.Servers)
	}
}

func TestUpdateVerification(t *testing.T) {
	s := testStore()
	path := filepath.Join(t.TempDir(), "mcp.lock.json")

	if err := s.UpsertServer(path, "postgres", sampleServer()); err != nil {
		t.Fatalf("UpsertServer: %v", err)
	}
	tools := []string{"query", "list_schemas", "explain"}
	if err := s.UpdateVerification(path, "postgres", tools, true); err != nil {
		t.Fatalf("UpdateVerification: %v", err)
	}

	lf, err := s.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	srv := lf.Servers["postgres"]
	if srv.VerifiedAt == nil {
		t.Fatal("verified_at not set")
	}
	if !srv.VerifiedHealthy {
		t.Error("verified_healthy not set")
	}
	if srv.ToolsHash != ToolsHash(tools) {
		t.Error("tools_hash not refreshed")
	}

	if err := s.UpdateVerification(path, "ghost", nil, false); !errors.Is(err, ErrServerNotLocked) {
		t.Fatalf("expected ErrServerNotLocked, got %v", err)
	}
}

func TestReadRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp.lock.json")
	content := `{"schema_version": 99, "generated_by": "future", "servers": {}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := testStore()
	_, err := s.Read(path)
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	if se.Found != 99 {
		t.Errorf("SchemaError.Found = %d", se.Found)
	}

	// a write must refuse to clobber it too
	err = s.Write(path, models.NewLockfile("mcptap@test"))
	if !errors.As(err, &se) {
		t.Fatalf("expected SchemaError on write, got %v", err)
	}
}

func TestReadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp.lock.json")
	if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := testStore()
	_, err := s.Read(path)
	var re *ReadError
	if !errors.As(err, &re) {
		t.Fatalf("expected ReadError, got %v", err)
	}
}

func TestUnknownFieldsSurviveRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp.lock.json")
	content := `{
  "schema_version": 1,
  "generated_by": "other-tool",
  "generated_at": "2026-01-15T10:00:00Z",
  "servers": {},
  "x_custom_annotation": {"owner": "platform-team"}
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := testStore()
	if err := s.UpsertServer(path, "postgres", sampleServer()); err != nil {
		t.Fatalf("UpsertServer: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatalf("parse rewritten file: %v", err)
	}
	if _, ok := generic["x_custom_annotation"]; !ok {
		t.Error("unknown top-level field dropped on rewrite")
	}
	if _, ok := generic["servers"]; !ok {
		t.Error("servers block missing after rewrite")
	}
}

func TestUpsertConcurrentWritersAllLand(t *testing.T) {
	// each writer gets its own store so serialization rests on the
	// advisory file lock, not on a shared in-process mutex
	path := filepath.Join(t.TempDir(), "mcp.lock.json")

	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = testStore().UpsertServer(path, fmt.Sprintf("server-%d", i), sampleServer())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d: %v", i, err)
		}
	}

	lf, err := testStore().Read(path)
	if err != nil {
		t.Fatalf("Read after concurrent upserts: %v", err)
	}
	if len(lf.Servers) != writers {
		t.Fatalf("servers = %d, want %d (a concurrent writer was lost)", len(lf.Servers), writers)
	}
	for i := 0; i < writers; i++ {
		if _, ok := lf.Servers[fmt.Sprintf("server-%d", i)]; !ok {
			t.Errorf("server-%d missing from final lockfile", i)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatalf("final lockfile is not valid JSON: %v", err)
	}
}

func TestUpsertCreatesFile(t *testing.T) {
	s := testStore()
	path := filepath.Join(t.TempDir(), "mcp.lock.json")

	if s.Exists(path) {
		t.Fatal("file should not exist yet")
	}
	if err := s.UpsertServer(path, "postgres", sampleServer()); err != nil {
		t.Fatalf("UpsertServer: %v", err)
	}
	if !s.Exists(path) {
		t.Fatal("file should exist after upsert")
	}
}
