// Package clientcfg reads and writes the native MCP server blocks of
// host client config files (.mcp.json and friends). The live file is
// the source of truth for what is installed; this package never
// invents entries and only ever touches the one server block it is
// asked to write.
package clientcfg

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/felipestenzel/mcp-tap/internal/models"
	"github.com/tidwall/gjson"
)

// serversKey is the shared config convention across host clients.
const serversKey = "mcpServers"

// Client identifies a known host client.
type Client string

const (
	ClientClaude  Client = "claude"
	ClientCursor  Client = "cursor"
	ClientProject Client = "project"
)

// ConfigPath returns the config file a client reads, relative to dir
// for project-scoped clients and to the home directory otherwise.
func ConfigPath(client Client, dir string) (string, error) {
	switch client {
	case ClientProject:
		return filepath.Join(dir, ".mcp.json"), nil
	case ClientClaude:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		return filepath.Join(home, ".claude.json"), nil
	case ClientCursor:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		return filepath.Join(home, ".cursor", "mcp.json"), nil
	}
	return "", fmt.Errorf("unknown client: %q", client)
}

// Load produces the live inventory of one config file. A missing file
// is an empty inventory, not an error: no file means nothing
// installed. Entries that do not parse are skipped, never guessed at.
func Load(path string) ([]models.InstalledServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read client config %s: %w", path, err)
	}

	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("client config %s is not valid JSON", path)
	}

	var servers []models.InstalledServer
	gjson.GetBytes(data, serversKey).ForEach(func(key, value gjson.Result) bool {
		cfg, ok := parseServerConfig(value)
		if !ok {
			return true
		}
		servers = append(servers, models.InstalledServer{
			Name:       key.String(),
			Config:     cfg,
			SourceFile: path,
		})
		return true
	})

	return servers, nil
}

func parseServerConfig(value gjson.Result) (models.ServerConfig, bool) {
	if !value.IsObject() {
		return models.ServerConfig{}, false
	}

	cfg := models.ServerConfig{
		Type:    value.Get("type").String(),
		Command: value.Get("command").String(),
		URL:     value.Get("url").String(),
	}

	for _, arg := range value.Get("args").Array() {
		cfg.Args = append(cfg.Args, arg.String())
	}
	if env := value.Get("env"); env.IsObject() {
		cfg.Env = make(map[string]string)
		env.ForEach(func(k, v gjson.Result) bool {
			cfg.Env[k.String()] = v.String()
			return true
		})
	}
	if headers := value.Get("headers"); headers.IsObject() {
		cfg.Headers = make(map[string]string)
		headers.ForEach(func(k, v gjson.Result) bool {
			cfg.Headers[k.String()] = v.String()
			return true
		})
	}

	if cfg.Command == "" && cfg.URL == "" {
		return models.ServerConfig{}, false
	}
	return cfg, true
}

// Collect gathers the live inventory across several config files,
// in order. Later files do not shadow earlier ones; every entry is
// reported with its source file.
func Collect(paths ...string) ([]models.InstalledServer, error) {
	var all []models.InstalledServer
	for _, path := range paths {
		servers, err := Load(path)
		if err != nil {
			return nil, err
		}
		all = append(all, servers...)
	}
	return all, nil
}
