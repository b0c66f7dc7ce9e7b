// Package envfile reads dotenv files into environment maps for deployment
// containers.
package envfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Load reads the dotenv chain in dir. Later files override earlier ones:
//
//	.env
//	.env.local
//	.env.<environment>
//	.env.<environment>.local
//
// Missing files are skipped. An empty environment reads only the first two.
func Load(dir, environment string) (map[string]string, error) {
	files := []string{".env", ".env.local"}
	if environment != "" {
		files = append(files, ".env."+environment, ".env."+environment+".local")
	}

	vars := make(map[string]string)
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		if err := parseEnvFile(data, vars); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
	}
	return vars, nil
}

// ReadFile parses a single dotenv file.
func ReadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}
	vars := make(map[string]string)
	if err := parseEnvFile(data, vars); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return vars, nil
}

func parseEnvFile(data []byte, vars map[string]string) error {
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("line %d: expected KEY=value", i+1)
		}
		vars[key] = unquote(strings.TrimSpace(value))
	}
	return nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
