package policy

import (
	"embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed presets/*.yaml
var presetFS embed.FS

// presetCache holds compiled presets to avoid recompiling CEL programs
var presetCache = map[string]*Engine{}

// presetFiles maps preset names to embedded file paths
var presetFiles = map[string]string{
	"default": "presets/default.yaml",
	"strict":  "presets/strict.yaml",
}

// GetPreset returns a compiled built-in policy by name, or nil if not
// found. Presets ship inside the binary and cannot fail to compile; a
// broken preset is a build defect, caught by the embed tests.
func GetPreset(name string) *Engine {
	if cached, ok := presetCache[name]; ok {
		return cached
	}

	path, ok := presetFiles[name]
	if !ok {
		return nil
	}
	data, err := presetFS.ReadFile(path)
	if err != nil {
		return nil
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil
	}
	engine, err := Compile(&config)
	if err != nil {
		return nil
	}

	presetCache[name] = engine
	return engine
}

// ListPresetNames returns the names of all available presets
func ListPresetNames() []string {
	names := make([]string, 0, len(presetFiles))
	for name := range presetFiles {
		names = append(names, name)
	}
	return names
}

// MustGetPreset returns a preset or panics (for tests)
func MustGetPreset(name string) *Engine {
	e := GetPreset(name)
	if e == nil {
		panic(fmt.Sprintf("preset %q not found", name))
	}
	return e
}
