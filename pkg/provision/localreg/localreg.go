// Package localreg provides file-backed implementations of the secret
// resolver and add-on registry contracts, for single-node deployments
// that do not run a dedicated secrets service or registry.
package localreg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/agentbox/agentbox/pkg/provision"
)

// FileSecrets resolves user secrets from a YAML file mapping user ids
// to environment variable maps. The file is re-read on every
// resolution so edits take effect without a restart.
type FileSecrets struct {
	path string
}

// NewFileSecrets creates a file-backed secret resolver.
func NewFileSecrets(path string) *FileSecrets {
	return &FileSecrets{path: path}
}

// ResolveSecrets returns the user's secret map. A missing file or an
// unknown user yields an empty map, not an error: boxes without
// secrets are valid.
func (s *FileSecrets) ResolveSecrets(_ context.Context, userID string) (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read secrets file %s: %w", s.path, err)
	}

	var all map[string]map[string]string
	if err := yaml.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("failed to parse secrets file %s: %w", s.path, err)
	}

	secrets, ok := all[userID]
	if !ok {
		return map[string]string{}, nil
	}
	return secrets, nil
}

// DirRegistry resolves add-ons from a directory of markdown files, one
// per add-on id.
type DirRegistry struct {
	dir string
}

// NewDirRegistry creates a directory-backed add-on registry.
func NewDirRegistry(dir string) *DirRegistry {
	return &DirRegistry{dir: dir}
}

// FetchAddonMetadata resolves an add-on id to the path of its content
// file. An id without a file is unresolvable.
func (r *DirRegistry) FetchAddonMetadata(_ context.Context, id string) (provision.AddonMetadata, error) {
	path := filepath.Join(r.dir, id+".md")
	if _, err := os.Stat(path); err != nil {
		return provision.AddonMetadata{}, fmt.Errorf("add-on %s not found in %s: %w", id, r.dir, err)
	}
	return provision.AddonMetadata{ID: id, Source: path}, nil
}

// FetchAddonContent reads the add-on's content from its resolved path.
func (r *DirRegistry) FetchAddonContent(_ context.Context, source, id string) (string, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return "", fmt.Errorf("failed to read add-on %s content: %w", id, err)
	}
	return string(data), nil
}
