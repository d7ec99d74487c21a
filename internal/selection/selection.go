// Package selection adapts the externally-owned app selection file to the
// read-only selection provider port.
package selection

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mksalih/salahguard/internal/domain"
)

// file is the on-disk selection layout, owned by the selection UI.
type file struct {
	Apps []string `yaml:"apps"`
}

// FileProvider implements domain.SelectionProvider over a YAML file.
// Every call re-reads the file: the selection is snapshotted at
// enforcement time, never cached from plan time.
type FileProvider struct {
	path string
}

// NewFileProvider creates a selection provider for the given file.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// CurrentSelection returns the restriction tokens selected right now.
// A missing file is an empty selection, not an error; the agent treats
// empty as a reportable warning on its own.
func (p *FileProvider) CurrentSelection() ([]string, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read selection: %w", err)
	}

	var sel file
	if err := yaml.Unmarshal(raw, &sel); err != nil {
		return nil, fmt.Errorf("failed to parse selection: %w", err)
	}

	tokens := make([]string, 0, len(sel.Apps))
	for _, app := range sel.Apps {
		if app != "" {
			tokens = append(tokens, app)
		}
	}
	return tokens, nil
}

// Ensure FileProvider implements domain.SelectionProvider.
var _ domain.SelectionProvider = (*FileProvider)(nil)
