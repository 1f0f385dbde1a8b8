package clientcfg

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/felipestenzel/mcp-tap/internal/models"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// escapePathKey protects server names containing sjson path
// metacharacters.
func escapePathKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '|', '#', '@', '\\':
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}

// SetServer writes one server block into a client config file,
// creating the file and the mcpServers object when absent. Every
// other byte of the file is preserved: client configs carry unrelated
// user settings that must survive our edits.
func SetServer(path, name string, cfg models.ServerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read client config %s: %w", path, err)
		}
		data = []byte("{}\n")
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("client config %s is not valid JSON, refusing to rewrite", path)
	}

	out, err := sjson.SetBytes(data, serversKey+"."+escapePathKey(name), cfg)
	if err != nil {
		return fmt.Errorf("set server %q in %s: %w", name, path, err)
	}
	return atomicWrite(path, out)
}

// RemoveServer deletes one server block. A missing file or missing
// entry is not an error; removal is idempotent.
func RemoveServer(path, name string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read client config %s: %w", path, err)
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("client config %s is not valid JSON, refusing to rewrite", path)
	}
	if !gjson.GetBytes(data, serversKey+"."+escapePathKey(name)).Exists() {
		return nil
	}

	out, err := sjson.DeleteBytes(data, serversKey+"."+escapePathKey(name))
	if err != nil {
		return fmt.Errorf("remove server %q from %s: %w", name, path, err)
	}
	return atomicWrite(path, out)
}

// atomicWrite lands content via a sibling temp file and rename so a
// crash never leaves a half-written client config.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
