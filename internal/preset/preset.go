// Package preset loads named parameter sets for modules. A preset is either
// a YAML file with a fixed parameter mapping or a sandboxed Lua script that
// computes one.
package preset

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/scriptrun/internal/models"
)

type Preset struct {
	Name        string         `yaml:"name"`
	Module      models.ID      `yaml:"module"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`

	// Path is the file the preset was loaded from.
	Path string `yaml:"-"`
}

func (p *Preset) IsScript() bool {
	return IsLuaPreset(p.Path)
}

// Context is what a preset sees when it is resolved.
type Context struct {
	ModuleID   models.ID
	ModuleName string
	Identity   string
}

// Resolve returns the parameters the preset produces. The result is always
// a fresh map.
func (p *Preset) Resolve(ctx Context) (map[string]any, error) {
	if p.IsScript() {
		return NewRuntime().Evaluate(p.Path, ctx)
	}
	out := make(map[string]any, len(p.Parameters))
	maps.Copy(out, p.Parameters)
	return out, nil
}

func Parse(path string) (*Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preset file: %w", err)
	}

	var p Preset
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse preset YAML: %w", err)
	}
	p.Path = path

	return &p, nil
}

// LoadAll reads every preset in dirs. Later directories override earlier
// ones on name clashes; missing directories are skipped.
func LoadAll(dirs []string) (map[string]*Preset, error) {
	presets := make(map[string]*Preset)

	for _, dir := range dirs {
		if err := loadFromDir(dir, presets); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return presets, nil
}

func loadFromDir(dir string, presets map[string]*Preset) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		path := filepath.Join(dir, name)

		var p *Preset
		switch {
		case strings.HasSuffix(name, ".yaml"), strings.HasSuffix(name, ".yml"):
			p, err = Parse(path)
		case IsLuaPreset(name):
			p, err = NewRuntime().Describe(path)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}

		// Use name from file, or filename without extension
		if p.Name == "" {
			p.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if err := Validate(p); err != nil {
			return fmt.Errorf("invalid preset %s: %w", path, err)
		}

		presets[p.Name] = p
	}

	return nil
}

func Validate(p *Preset) error {
	if p.Name == "" {
		return fmt.Errorf("preset must have a name")
	}
	if p.Module == "" {
		return fmt.Errorf("preset %q must name a module", p.Name)
	}
	if !p.IsScript() && len(p.Parameters) == 0 {
		return fmt.Errorf("preset %q defines no parameters", p.Name)
	}
	return nil
}

// ForModule lists the presets of one module sorted by name.
func ForModule(presets map[string]*Preset, moduleID models.ID) []*Preset {
	var out []*Preset
	for _, p := range presets {
		if p.Module == moduleID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sorted lists all presets by module, then name.
func Sorted(presets map[string]*Preset) []*Preset {
	out := make([]*Preset, 0, len(presets))
	for _, p := range presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ParseOverrides turns k=v pairs into a parameter map. Values are read as
// YAML scalars, so numbers and booleans keep their type; anything that is
// not a scalar stays a plain string.
func ParseOverrides(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}

		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || !isScalar(v) {
			v = raw
		}
		if v == nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, int, int64, float64:
		return true
	}
	return false
}

// Merge overlays overrides on base into a new map.
func Merge(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	maps.Copy(out, base)
	maps.Copy(out, overrides)
	return out
}
