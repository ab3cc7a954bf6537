package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type format string

const (
	formatJSON format = "json"
	formatYAML format = "yaml"
)

func formatOf(name string) format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return formatYAML
	}
	return formatJSON
}

// yamlToJSON re-encodes a YAML document as JSON so both formats go through
// the same strict decoder. Keys must be strings.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	doc, err := stringKeys("", doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func stringKeys(at string, node any) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			out, err := stringKeys(join(at, k), v)
			if err != nil {
				return nil, err
			}
			n[k] = out
		}
		return n, nil
	case map[any]any:
		m := make(map[string]any, len(n))
		for k, v := range n {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%s: key %v is not a string", orRoot(at), k)
			}
			out, err := stringKeys(join(at, ks), v)
			if err != nil {
				return nil, err
			}
			m[ks] = out
		}
		return m, nil
	case []any:
		for i, v := range n {
			out, err := stringKeys(fmt.Sprintf("%s[%d]", at, i), v)
			if err != nil {
				return nil, err
			}
			n[i] = out
		}
		return n, nil
	}
	return node, nil
}

func join(at, key string) string {
	if at == "" {
		return key
	}
	return at + "." + key
}

func orRoot(at string) string {
	if at == "" {
		return "<root>"
	}
	return at
}
