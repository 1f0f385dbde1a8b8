package restore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/felipestenzel/mcp-tap/internal/heal"
	"github.com/felipestenzel/mcp-tap/internal/models"
)

type fakeInstaller struct {
	mu      sync.Mutex
	calls   []string
	failFor map[string]bool
}

func (f *fakeInstaller) Install(_ context.Context, name string, srv models.LockedServer) (models.ServerConfig, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if f.failFor[name] {
		return models.ServerConfig{}, errors.New("registry unreachable")
	}
	return models.ServerConfig{Command: srv.Config.Command, Args: srv.Config.Args}, nil
}

type fakeWriter struct {
	mu      sync.Mutex
	written map[string]models.ServerConfig
	err     error
}

func (f *fakeWriter) SetServer(path, name string, cfg models.ServerConfig) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.written == nil {
		f.written = make(map[string]models.ServerConfig)
	}
	f.written[name] = cfg
	return nil
}

func testLockfile(names ...string) *models.Lockfile {
	lf := models.NewLockfile("mcptap@test")
	for _, name := range names {
		lf.Servers[name] = models.LockedServer{
			PackageIdentifier: "pkg-" + name,
			RegistryType:      models.RegistryNPM,
			Config: models.LockedConfig{
				Command: "npx",
				Args:    []string{"-y", "pkg-" + name},
			},
		}
	}
	return lf
}

func installedFor(name string) models.InstalledServer {
	return models.InstalledServer{
		Name:   name,
		Config: models.ServerConfig{Command: "npx", Args: []string{"-y", "pkg-" + name}},
	}
}

func TestRestoreMissingServers(t *testing.T) {
	installer := &fakeInstaller{}
	writer := &fakeWriter{}
	o := NewOrchestrator(installer, writer, 0, nil)

	lf := testLockfile("alpha", "beta")
	result, err := o.Restore(context.Background(), lf, []models.InstalledServer{installedFor("alpha")}, ".mcp.json")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if result.Restored != 1 || result.Skipped != 1 || result.Failed != 0 {
		t.Fatalf("restored=%d skipped=%d failed=%d", result.Restored, result.Skipped, result.Failed)
	}
	if _, ok := writer.written["beta"]; !ok {
		t.Error("beta not written to client config")
	}
	if _, ok := writer.written["alpha"]; ok {
		t.Error("already-installed alpha must not be rewritten")
	}
}

func TestRestoreIdempotent(t *testing.T) {
	installer := &fakeInstaller{}
	writer := &fakeWriter{}
	o := NewOrchestrator(installer, writer, 0, nil)

	lf := testLockfile("alpha")
	installed := []models.InstalledServer{installedFor("alpha")}

	for i := 0; i < 2; i++ {
		result, err := o.Restore(context.Background(), lf, installed, ".mcp.json")
		if err != nil {
			t.Fatalf("Restore #%d: %v", i+1, err)
		}
		if result.Restored != 0 || result.Skipped != 1 {
			t.Fatalf("run %d: restored=%d skipped=%d, want 0/1", i+1, result.Restored, result.Skipped)
		}
	}
	if len(installer.calls) != 0 {
		t.Errorf("installer invoked %d times for fully present state", len(installer.calls))
	}
}

func TestRestoreContinuesPastFailures(t *testing.T) {
	installer := &fakeInstaller{failFor: map[string]bool{"beta": true}}
	writer := &fakeWriter{}
	o := NewOrchestrator(installer, writer, 0, nil)

	lf := testLockfile("alpha", "beta", "gamma")
	result, err := o.Restore(context.Background(), lf, nil, ".mcp.json")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if result.Restored != 2 || result.Failed != 1 {
		t.Fatalf("restored=%d failed=%d, want 2/1", result.Restored, result.Failed)
	}
	for _, r := range result.Results {
		if r.Server == "beta" {
			if r.Status != StatusFailed || r.Error == "" {
				t.Errorf("beta result = %+v", r)
			}
		}
	}
}

func TestRestoreReportsMissingEnv(t *testing.T) {
	installer := &fakeInstaller{}
	writer := &fakeWriter{}
	o := NewOrchestrator(installer, writer, 0, nil)

	lf := models.NewLockfile("mcptap@test")
	lf.Servers["postgres"] = models.LockedServer{
		PackageIdentifier: "@modelcontextprotocol/server-postgres",
		RegistryType:      models.RegistryNPM,
		Config: models.LockedConfig{
			Command: "npx",
			Args:    []string{"-y", "@modelcontextprotocol/server-postgres"},
			EnvKeys: []string{"MCPTAP_TEST_UNSET_DB_URL"},
		},
	}

	result, err := o.Restore(context.Background(), lf, nil, ".mcp.json")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(result.Results) != 1 {
		t.Fatalf("results = %+v", result.Results)
	}
	r := result.Results[0]
	if r.Status != StatusRestored {
		t.Fatalf("status = %s", r.Status)
	}
	if len(r.MissingEnv) != 1 || r.MissingEnv[0] != "MCPTAP_TEST_UNSET_DB_URL" {
		t.Errorf("MissingEnv = %v", r.MissingEnv)
	}
}

func TestRestoreDeterministicResultOrder(t *testing.T) {
	installer := &fakeInstaller{}
	writer := &fakeWriter{}
	o := NewOrchestrator(installer, writer, 2, nil)

	lf := testLockfile("delta", "alpha", "charlie", "bravo")
	result, err := o.Restore(context.Background(), lf, nil, ".mcp.json")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	want := []string{"alpha", "bravo", "charlie", "delta"}
	for i, r := range result.Results {
		if r.Server != want[i] {
			t.Fatalf("result order %v, want %v", result.Results, want)
		}
	}
}

type fakeValidator struct {
	script map[string][]models.ConnectionTestResult
}

func (f *fakeValidator) Test(_ context.Context, name string, _ models.ServerConfig, _ []string) models.ConnectionTestResult {
	queue := f.script[name]
	if len(queue) == 0 {
		return models.ConnectionTestResult{Success: true}
	}
	next := queue[0]
	f.script[name] = queue[1:]
	return next
}

type fakeHealer struct {
	fix models.ServerConfig
	ok  bool
}

func (f *fakeHealer) Heal(_ context.Context, server string, _ models.ServerConfig, _ []string, _ models.ConnectionTestResult) *heal.Result {
	if !f.ok {
		return &heal.Result{Server: server, Guidance: "install a runner"}
	}
	return &heal.Result{Server: server, Healed: true, FinalConfig: f.fix}
}

func TestRestoreValidationFailureReported(t *testing.T) {
	installer := &fakeInstaller{}
	writer := &fakeWriter{}
	validator := &fakeValidator{script: map[string][]models.ConnectionTestResult{
		"alpha": {{Success: false, Error: "spawn npx: not found", ErrorType: models.ErrCommandNotFound}},
	}}
	o := NewOrchestrator(installer, writer, 0, nil).WithValidation(validator, nil)

	result, err := o.Restore(context.Background(), testLockfile("alpha"), nil, ".mcp.json")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("failed=%d, want 1", result.Failed)
	}
	if r := result.Results[0]; r.Error == "" {
		t.Errorf("failed result must carry the validation error: %+v", r)
	}
}

func TestRestoreHealsFailedValidation(t *testing.T) {
	installer := &fakeInstaller{}
	writer := &fakeWriter{}
	validator := &fakeValidator{script: map[string][]models.ConnectionTestResult{
		"alpha": {{Success: false, Error: "spawn npx: not found", ErrorType: models.ErrCommandNotFound}},
	}}
	fixed := models.ServerConfig{Command: "bunx", Args: []string{"pkg-alpha"}}
	o := NewOrchestrator(installer, writer, 0, nil).WithValidation(validator, &fakeHealer{fix: fixed, ok: true})

	result, err := o.Restore(context.Background(), testLockfile("alpha"), nil, ".mcp.json")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if result.Restored != 1 || result.Failed != 0 {
		t.Fatalf("restored=%d failed=%d", result.Restored, result.Failed)
	}
	if got := writer.written["alpha"]; got.Command != "bunx" {
		t.Errorf("healed config not written back: %+v", got)
	}
}

func TestRestoreSkipsValidationWhenEnvMissing(t *testing.T) {
	installer := &fakeInstaller{}
	writer := &fakeWriter{}
	validator := &fakeValidator{script: map[string][]models.ConnectionTestResult{}}
	o := NewOrchestrator(installer, writer, 0, nil).WithValidation(validator, nil)

	lf := models.NewLockfile("mcptap@test")
	lf.Servers["postgres"] = models.LockedServer{
		PackageIdentifier: "pkg",
		RegistryType:      models.RegistryNPM,
		Config: models.LockedConfig{
			Command: "npx",
			Args:    []string{"-y", "pkg"},
			EnvKeys: []string{"MCPTAP_TEST_UNSET_DB_URL"},
		},
	}

	result, err := o.Restore(context.Background(), lf, nil, ".mcp.json")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	r := result.Results[0]
	if r.Status != StatusRestored || len(r.MissingEnv) != 1 {
		t.Fatalf("result = %+v", r)
	}
}

func TestMaterializer(t *testing.T) {
	m := Materializer{}

	remote, err := m.Install(context.Background(), "svc", models.LockedServer{
		PackageIdentifier: "https://x.example/mcp",
		RegistryType:      models.RegistryStreamableHTTP,
	})
	if err != nil {
		t.Fatalf("Install remote: %v", err)
	}
	if remote.URL != "https://x.example/mcp" || !remote.IsHTTP() {
		t.Errorf("remote config = %+v", remote)
	}

	t.Setenv("MCPTAP_TEST_DB_URL", "postgres://localhost/db")
	stdio, err := m.Install(context.Background(), "db", models.LockedServer{
		PackageIdentifier: "pkg",
		RegistryType:      models.RegistryNPM,
		Config: models.LockedConfig{
			Command: "npx",
			Args:    []string{"-y", "pkg"},
			EnvKeys: []string{"MCPTAP_TEST_DB_URL", "MCPTAP_TEST_UNSET_VAR"},
		},
	})
	if err != nil {
		t.Fatalf("Install stdio: %v", err)
	}
	if stdio.Env["MCPTAP_TEST_DB_URL"] != "postgres://localhost/db" {
		t.Errorf("env value not carried from process environment: %+v", stdio.Env)
	}
	if _, ok := stdio.Env["MCPTAP_TEST_UNSET_VAR"]; ok {
		t.Error("unset env var must not appear in config")
	}

	if _, err := m.Install(context.Background(), "bad", models.LockedServer{RegistryType: models.RegistryNPM}); err == nil {
		t.Error("entry without command must fail")
	}
}
