package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// SchemaVersion current
const SchemaVersion = 1

// RegistryType enum
type RegistryType string

const (
	RegistryNPM            RegistryType = "npm"
	RegistryPyPI           RegistryType = "pypi"
	RegistryOCI            RegistryType = "oci"
	RegistryStreamableHTTP RegistryType = "streamable-http"
	RegistrySSE            RegistryType = "sse"
)

// Remote reports whether the registry type denotes a hosted endpoint
// rather than a locally installed package.
func (r RegistryType) Remote() bool {
	return r == RegistryStreamableHTTP || r == RegistrySSE
}

// ParseRegistryType validates a registry type string.
func ParseRegistryType(s string) (RegistryType, error) {
	switch RegistryType(s) {
	case RegistryNPM, RegistryPyPI, RegistryOCI, RegistryStreamableHTTP, RegistrySSE:
		return RegistryType(s), nil
	}
	return "", fmt.Errorf("unknown registry type: %q", s)
}

// LockedConfig is the committed launch configuration for a server.
// EnvKeys holds environment variable NAMES only. Secret values never
// enter the lockfile; it must stay safe to commit.
type LockedConfig struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	EnvKeys []string `json:"env_keys,omitempty"`
}

// LockedServer is one pinned server entry.
type LockedServer struct {
	PackageIdentifier string       `json:"package_identifier"`
	RegistryType      RegistryType `json:"registry_type"`
	Version           string       `json:"version"`
	Integrity         string       `json:"integrity,omitempty"`
	RepositoryURL     string       `json:"repository_url,omitempty"`
	Config            LockedConfig `json:"config"`
	Tools             []string     `json:"tools"`
	ToolsHash         string       `json:"tools_hash,omitempty"`
	InstalledAt       time.Time    `json:"installed_at"`
	VerifiedAt        *time.Time   `json:"verified_at"`
	VerifiedHealthy   bool         `json:"verified_healthy"`
}

// Lockfile is the json structure committed to version control.
// Unknown carries top-level fields this build does not understand;
// they ride along untouched so a rewrite never loses them.
type Lockfile struct {
	SchemaVersion int                     `json:"schema_version"`
	GeneratedBy   string                  `json:"generated_by"`
	GeneratedAt   time.Time               `json:"generated_at"`
	Servers       map[string]LockedServer `json:"servers"`

	Unknown map[string]json.RawMessage `json:"-"`
}

// NewLockfile empty, current schema
func NewLockfile(generatedBy string) *Lockfile {
	return &Lockfile{
		SchemaVersion: SchemaVersion,
		GeneratedBy:   generatedBy,
		GeneratedAt:   time.Now().UTC(),
		Servers:       make(map[string]LockedServer),
	}
}

// Normalize sorts every list field so that serialization is
// deterministic. Two writers producing logically identical lockfiles
// must produce byte-identical files.
func (l *Lockfile) Normalize() {
	for name, srv := range l.Servers {
		sort.Strings(srv.Tools)
		sort.Strings(srv.Config.EnvKeys)
		l.Servers[name] = srv
	}
}
