package automation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Script is one Lua hook script loaded from the scripts directory.
type Script struct {
	ID     string
	Path   string
	Source string
}

// LoadScripts reads every *.lua file from dir. A missing or empty directory
// yields no scripts, not an error.
func LoadScripts(dir string) ([]Script, error) {
	if dir == "" {
		return nil, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.lua"))
	if err != nil {
		return nil, fmt.Errorf("glob scripts dir: %w", err)
	}

	scripts := make([]Script, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		scripts = append(scripts, Script{
			ID:     strings.TrimSuffix(filepath.Base(path), ".lua"),
			Path:   path,
			Source: string(data),
		})
	}
	return scripts, nil
}
