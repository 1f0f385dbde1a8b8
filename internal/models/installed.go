package models

import "sort"

// TransportStdio / TransportHTTP / TransportSSE live-config types
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

// ServerConfig is the live launch shape as it appears in a client
// config file: either a stdio {command, args, env} entry or an HTTP
// {url} entry. Env carries values here (the live file owns them); it
// is never copied into a LockedConfig.
type ServerConfig struct {
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// IsHTTP reports whether the config is a native remote endpoint.
func (c ServerConfig) IsHTTP() bool {
	return c.URL != "" || c.Type == TransportHTTP || c.Type == TransportSSE
}

// EnvKeys returns the sorted environment variable names, values dropped.
func (c ServerConfig) EnvKeys() []string {
	if len(c.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// InstalledServer is one live entry read from a client config file.
// Name is the local alias and is authoritative only within that file;
// it carries no canonical identity. The canonical fields are populated
// solely by cross-referencing a lockfile entry, never derived from the
// live config alone.
type InstalledServer struct {
	Name       string       `json:"name"`
	Config     ServerConfig `json:"config"`
	SourceFile string       `json:"source_file"`

	// cross-referenced canonical identity, optional
	PackageIdentifier string       `json:"package_identifier,omitempty"`
	RegistryType      RegistryType `json:"registry_type,omitempty"`
	RepositoryURL     string       `json:"repository_url,omitempty"`
}
