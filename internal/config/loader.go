package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey lists the files a config builds on. A shared file usually holds
// platform and connection tuning, and each user's file includes it and adds
// the user section and credentials.
const includeKey = "$include"

// sections are the top-level keys a config file may set.
var sections = []string{
	"version",
	"user",
	"platform",
	"connection",
	"feed",
	"presence",
	"cache",
	"optimistic",
	"outbox",
	"logging",
	"observability",
}

// envRef matches ${NAME} and ${NAME:-fallback}. Bare $NAME is left alone so
// keys like $include survive expansion.
var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// layer is one parsed config file.
type layer struct {
	path     string
	sections map[string]any
}

// Load reads, layers, defaults and validates the configuration at path.
// Files ending in .json or .json5 are parsed as JSON5, anything else as YAML.
// Environment references like ${CHATSYNC_TOKEN} or ${CHATSYNC_TOKEN:-dev}
// are expanded before parsing.
func Load(path string) (*Config, error) {
	cfg, err := LoadUnvalidated(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadUnvalidated is Load without the final Validate call.
func LoadUnvalidated(path string) (*Config, error) {
	layers, err := readLayers(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeSections(overlay(layers))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Sources returns the absolute paths of the files that make up the config at
// path: includes first, in the order they apply, and path itself last.
func Sources(path string) ([]string, error) {
	layers, err := readLayers(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(layers))
	for _, l := range layers {
		out = append(out, l.path)
	}
	return out, nil
}

func readLayers(path string) ([]layer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	var out []layer
	if err := collectLayers(path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// collectLayers appends the layers of path depth-first. chain is the include
// path that led here.
func collectLayers(path string, chain []string, out *[]layer) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if slices.Contains(chain, absPath) {
		names := make([]string, 0, len(chain)+1)
		for _, p := range append(chain, absPath) {
			names = append(names, filepath.Base(p))
		}
		return fmt.Errorf("config include cycle: %s", strings.Join(names, " -> "))
	}

	l, includes, err := readLayer(absPath)
	if err != nil {
		return err
	}
	chain = append(chain, absPath)
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(absPath), inc)
		}
		if err := collectLayers(inc, chain, out); err != nil {
			return err
		}
	}
	*out = append(*out, l)
	return nil
}

func readLayer(path string) (layer, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return layer{}, nil, err
	}
	doc, err := parseDocument([]byte(expandEnv(string(data))), path)
	if err != nil {
		return layer{}, nil, fmt.Errorf("config %s: %w", path, err)
	}

	includes, err := takeIncludes(doc)
	if err != nil {
		return layer{}, nil, fmt.Errorf("config %s: %w", path, err)
	}
	for _, key := range sortedKeys(doc) {
		if !slices.Contains(sections, key) {
			return layer{}, nil, fmt.Errorf("config %s: unknown section %q", path, key)
		}
	}
	return layer{path: path, sections: doc}, includes, nil
}

// expandEnv replaces ${NAME} with the environment value. ${NAME:-x} falls
// back to x when NAME is unset or empty.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		ref := envRef.FindStringSubmatch(match)[1]
		name, fallback, hasFallback := strings.Cut(ref, ":-")
		if value := os.Getenv(name); value != "" || !hasFallback {
			return value
		}
		return fallback
	})
}

func parseDocument(data []byte, path string) (map[string]any, error) {
	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		if err := decoder.Decode(&doc); err != nil && err != io.EOF {
			return nil, err
		}
		if err := decoder.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("expected a single yaml document")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func takeIncludes(doc map[string]any) ([]string, error) {
	value, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)

	switch typed := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			p, ok := entry.(string)
			if !ok || strings.TrimSpace(p) == "" {
				return nil, fmt.Errorf("%s entries must be file paths", includeKey)
			}
			paths = append(paths, p)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("%s must be a file path or a list of them", includeKey)
	}
}

// overlay combines layers in order. A later file overrides single settings
// inside a section without clearing the rest of it.
func overlay(layers []layer) map[string]any {
	merged := map[string]any{}
	for _, l := range layers {
		for _, name := range sortedKeys(l.sections) {
			merged[name] = overlaySection(merged[name], l.sections[name])
		}
	}
	return merged
}

func overlaySection(base, top any) any {
	topMap, ok := top.(map[string]any)
	if !ok {
		return top
	}
	baseMap, ok := base.(map[string]any)
	if !ok {
		return topMap
	}
	out := make(map[string]any, len(baseMap)+len(topMap))
	for k, v := range baseMap {
		out[k] = v
	}
	for k, v := range topMap {
		out[k] = overlaySection(out[k], v)
	}
	return out
}

// decodeSections decodes the layered document into Config, rejecting fields
// Config does not know.
func decodeSections(doc map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, err
	}
	return &cfg, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
