package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	yaml "go.yaml.in/yaml/v3"
)

// toJSON converts YAML and TOML documents to JSON so every format goes
// through the same strict decoder. Files with other extensions are JSON.
func toJSON(path string, data []byte) ([]byte, error) {
	var (
		v   any
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &v)
	case ".toml":
		var m map[string]any
		err = toml.Unmarshal(data, &m)
		v = m
	default:
		return data, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filepath.Base(path), err)
	}
	out, err := json.Marshal(normalize(v))
	if err != nil {
		return nil, fmt.Errorf("config: convert %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// normalize makes every map key a string so the tree marshals as JSON.
func normalize(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalize(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalize(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	default:
		return in
	}
}
