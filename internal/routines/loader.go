package routines

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadTemplateFile reads one routine template from a YAML file. The YAML
// mirrors the tagged JSON shapes of the codec, so decoding round-trips
// through JSON.
func LoadTemplateFile(path string) (Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("reading template file %s: %w", path, err)
	}
	return ParseTemplateYAML(data)
}

// ParseTemplateYAML decodes a YAML routine template.
func ParseTemplateYAML(data []byte) (Template, error) {
	var node any
	if err := yaml.Unmarshal(data, &node); err != nil {
		return Template{}, fmt.Errorf("parsing template YAML: %w", err)
	}
	jsonData, err := json.Marshal(normalizeYAML(node))
	if err != nil {
		return Template{}, fmt.Errorf("converting template YAML: %w", err)
	}
	t, err := UnmarshalTemplate(jsonData)
	if err != nil {
		return Template{}, err
	}
	if err := t.Validate(); err != nil {
		return Template{}, err
	}
	return t, nil
}

// normalizeYAML converts map[any]any nodes into map[string]any so the tree
// can be re-encoded as JSON.
func normalizeYAML(v any) any {
	switch node := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, val := range node {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, val := range node {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, val := range node {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

// LoadTemplateDir loads every *.yml and *.yaml template under dir into the
// repository. Files that fail to parse are logged and skipped so one bad
// template does not block startup.
func LoadTemplateDir(ctx context.Context, dir string, repo TemplateRepository) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading template directory %s: %w", dir, err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml") {
			continue
		}
		path := filepath.Join(dir, name)
		t, err := LoadTemplateFile(path)
		if err != nil {
			slog.Warn("Routines skipping invalid template file", "path", path, "error", err.Error())
			continue
		}
		if err := repo.SaveTemplate(ctx, t); err != nil {
			return loaded, fmt.Errorf("saving template %s: %w", t.ID, err)
		}
		slog.Debug("Routines loaded template", "path", path, "template_id", t.ID, "title", t.Title)
		loaded++
	}
	return loaded, nil
}
