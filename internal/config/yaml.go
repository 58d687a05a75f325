package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type format string

const (
	formatJSON format = "json"
	formatYAML format = "yaml"
)

func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSON
	}
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} with the environment value. Unset names expand
// to "". In JSON the value is escaped so it stays inside its string literal.
func expandEnv(data []byte, f format) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		v := os.Getenv(string(envRef.FindSubmatch(m)[1]))
		if f == formatJSON {
			q, _ := json.Marshal(v)
			return q[1 : len(q)-1]
		}
		return []byte(v)
	})
}

// toJSON returns the config as JSON so both formats share the strict decoder.
func toJSON(path string, data []byte) ([]byte, format, error) {
	f := formatOf(path)
	data = expandEnv(data, f)
	if f == formatJSON {
		return data, f, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, f, fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return []byte("{}"), f, nil
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, f, fmt.Errorf("yaml to json: %w", err)
	}
	return out, f, nil
}

// stringKeys rewrites non-string map keys (yaml allows `1: x`) for json.Marshal.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[fmt.Sprint(k)] = stringKeys(e)
		}
		return m
	case map[string]any:
		for k, e := range x {
			x[k] = stringKeys(e)
		}
	case []any:
		for i, e := range x {
			x[i] = stringKeys(e)
		}
	}
	return v
}
