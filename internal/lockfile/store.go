package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/felipestenzel/mcp-tap/internal/models"
	"github.com/felipestenzel/mcp-tap/internal/observability/logging"
	"github.com/gofrs/flock"
)

// knownFields are the top-level keys this build understands. Anything
// else is carried through verbatim so a rewrite never loses what a
// newer producer recorded.
var knownFields = map[string]struct{}{
	"schema_version": {},
	"generated_by":   {},
	"generated_at":   {},
	"servers":        {},
}

// Store owns all access to lockfiles. Every mutation is a
// read-modify-write under an exclusive path-scoped lock: an in-process
// mutex per canonical path plus an advisory file lock against other
// processes. Readers outside the critical section never block.
type Store struct {
	generatedBy string
	log         logging.Logger

	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu sync.Mutex
	fl *flock.Flock
}

// NewStore creates a store stamping generatedBy into files it writes.
func NewStore(generatedBy string, log logging.Logger) *Store {
	if log == nil {
		log = logging.Noop()
	}
	return &Store{
		generatedBy: generatedBy,
		log:         log,
		locks:       make(map[string]*pathLock),
	}
}

// lockFor returns the lock handle for a canonical path, creating it on
// first use. One handle per path, owned by the store, never global.
func (s *Store) lockFor(path string) (*pathLock, string, error) {
	canonical, err := filepath.Abs(path)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pl, ok := s.locks[canonical]
	if !ok {
		pl = &pathLock{fl: flock.New(canonical + ".lock")}
		s.locks[canonical] = pl
	}
	return pl, canonical, nil
}

// acquire takes both locks; the returned release restores them in
// reverse order.
func (s *Store) acquire(path string) (func(), string, error) {
	pl, canonical, err := s.lockFor(path)
	if err != nil {
		return nil, "", err
	}

	pl.mu.Lock()
	if err := pl.fl.Lock(); err != nil {
		pl.mu.Unlock()
		return nil, "", &WriteError{Path: canonical, Err: fmt.Errorf("acquire file lock: %w", err)}
	}

	release := func() {
		if err := pl.fl.Unlock(); err != nil {
			s.log.Warn("lockfile", "failed to release file lock", "path", canonical, "error", err.Error())
		}
		pl.mu.Unlock()
	}
	return release, canonical, nil
}

// Read loads a lockfile without taking the write lock. Returns
// ErrNotFound when the file does not exist. A schema_version newer
// than this build yields a SchemaError; unknown sibling fields are
// retained for rewrite and logged, never silently dropped.
func (s *Store) Read(path string) (*models.Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, &ReadError{Path: path, Err: err}
	}
	return s.decode(path, data)
}

func (s *Store) decode(path string, data []byte) (*models.Lockfile, error) {
	// Probe the schema version before trusting the rest of the shape.
	var probe struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ReadError{Path: path, Err: fmt.Errorf("parse: %w", err)}
	}
	if probe.SchemaVersion > models.SchemaVersion {
		return nil, &SchemaError{Path: path, Found: probe.SchemaVersion, Current: models.SchemaVersion}
	}

	var lf models.Lockfile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, &ReadError{Path: path, Err: fmt.Errorf("parse: %w", err)}
	}
	if lf.Servers == nil {
		lf.Servers = make(map[string]models.LockedServer)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err == nil {
		for key, value := range raw {
			if _, ok := knownFields[key]; !ok {
				if lf.Unknown == nil {
					lf.Unknown = make(map[string]json.RawMessage)
				}
				lf.Unknown[key] = value
				s.log.Warn("lockfile", "unrecognized lockfile field preserved", "path", path, "field", key)
			}
		}
	}

	return &lf, nil
}

// Write persists a lockfile atomically: marshal, write a sibling temp
// file, rename into place. The write is serialized against concurrent
// writers to the same path, and it refuses to clobber a file written
// by a newer schema.
func (s *Store) Write(path string, lf *models.Lockfile) error {
	release, canonical, err := s.acquire(path)
	if err != nil {
		return err
	}
	defer release()

	return s.writeLocked(canonical, lf)
}

func (s *Store) writeLocked(path string, lf *models.Lockfile) error {
	if existing, err := os.ReadFile(path); err == nil {
		var probe struct {
			SchemaVersion int `json:"schema_version"`
		}
		if err := json.Unmarshal(existing, &probe); err == nil && probe.SchemaVersion > models.SchemaVersion {
			return &SchemaError{Path: path, Found: probe.SchemaVersion, Current: models.SchemaVersion}
		}
	}

	data, err := Marshal(lf)
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &WriteError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &WriteError{Path: path, Err: err}
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return &WriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &WriteError{Path: path, Err: err}
	}

	s.log.Debug("lockfile", "lockfile written", "path", path, "servers", len(lf.Servers))
	return nil
}

// Marshal renders a lockfile deterministically: sorted map keys (the
// encoder guarantees this), sorted list fields, two-space indent,
// trailing newline for clean git diffs. Unknown top-level fields read
// from disk are merged back in.
func Marshal(lf *models.Lockfile) ([]byte, error) {
	lf.Normalize()
	data, err := json.Marshal(lf)
	if err != nil {
		return nil, fmt.Errorf("marshal lockfile: %w", err)
	}

	merged := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, fmt.Errorf("remarshal lockfile: %w", err)
	}
	for key, value := range lf.Unknown {
		if _, ok := merged[key]; !ok {
			merged[key] = value
		}
	}

	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lockfile: %w", err)
	}
	return append(out, '\n'), nil
}

// UpsertServer inserts or replaces one entry under the path lock,
// creating the lockfile on first use.
func (s *Store) UpsertServer(path, name string, srv models.LockedServer) error {
	release, canonical, err := s.acquire(path)
	if err != nil {
		return err
	}
	defer release()

	lf, err := s.Read(canonical)
	if errors.Is(err, ErrNotFound) {
		lf = models.NewLockfile(s.generatedBy)
	} else if err != nil {
		return err
	}

	if srv.ToolsHash == "" {
		srv.ToolsHash = ToolsHash(srv.Tools)
	}
	lf.Servers[name] = srv
	s.stamp(lf)

	return s.writeLocked(canonical, lf)
}

// RemoveServer deletes one entry; removing from a missing lockfile or
// a missing entry is an error, not a silent no-op.
func (s *Store) RemoveServer(path, name string) error {
	release, canonical, err := s.acquire(path)
	if err != nil {
		return err
	}
	defer release()

	lf, err := s.Read(canonical)
	if err != nil {
		return err
	}
	if _, ok := lf.Servers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrServerNotLocked, name)
	}

	delete(lf.Servers, name)
	s.stamp(lf)

	return s.writeLocked(canonical, lf)
}

// UpdateVerification refreshes an entry after a health check: the
// observed tool set, its hash, the verification timestamp and outcome.
func (s *Store) UpdateVerification(path, name string, tools []string, healthy bool) error {
	release, canonical, err := s.acquire(path)
	if err != nil {
		return err
	}
	defer release()

	lf, err := s.Read(canonical)
	if err != nil {
		return err
	}
	srv, ok := lf.Servers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotLocked, name)
	}

	now := time.Now().UTC()
	srv.Tools = append([]string(nil), tools...)
	srv.ToolsHash = ToolsHash(tools)
	srv.VerifiedAt = &now
	srv.VerifiedHealthy = healthy
	lf.Servers[name] = srv
	s.stamp(lf)

	return s.writeLocked(canonical, lf)
}

func (s *Store) stamp(lf *models.Lockfile) {
	lf.SchemaVersion = models.SchemaVersion
	lf.GeneratedBy = s.generatedBy
	lf.GeneratedAt = time.Now().UTC()
}

// Exists reports whether a lockfile is present at path.
func (s *Store) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
