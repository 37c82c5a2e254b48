//go:build !no_automation

package automation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Script is one Lua rule file from the scripts directory.
type Script struct {
	ID     string // filename stem (no .lua)
	Path   string
	Source string
}

// LoadScripts reads all *.lua files from dir. A missing or empty directory
// yields no scripts, not an error.
func LoadScripts(dir string) ([]Script, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.lua"))
	if err != nil {
		return nil, fmt.Errorf("glob scripts dir: %w", err)
	}

	scripts := make([]Script, 0, len(matches))
	for _, path := range matches {
		source, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		scripts = append(scripts, Script{
			ID:     strings.TrimSuffix(filepath.Base(path), ".lua"),
			Path:   path,
			Source: string(source),
		})
	}
	return scripts, nil
}
