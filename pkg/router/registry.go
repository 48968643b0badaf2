package router

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"javelin/pkg/protocol"
)

// SourceRoot is one configured root directory of the workspace.
type SourceRoot struct {
	Path string `yaml:"path"`
}

// WorkspaceLayout is the ordered source-root list. Order matters: a root's
// index position is its shard id, and path lookup takes the first matching
// root. Immutable after router construction.
type WorkspaceLayout struct {
	SourceRoots []SourceRoot `yaml:"source_roots"`
}

// LoadLayout reads a workspace layout from a YAML file.
func LoadLayout(path string) (WorkspaceLayout, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return WorkspaceLayout{}, fmt.Errorf("read layout %s: %w", path, err)
	}
	var layout WorkspaceLayout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return WorkspaceLayout{}, fmt.Errorf("parse layout %s: %w", path, err)
	}
	if len(layout.SourceRoots) == 0 {
		return WorkspaceLayout{}, fmt.Errorf("layout %s: no source roots", path)
	}
	return layout, nil
}

// ShardRegistry maps paths to shard ids. Read-only after construction, so it
// needs no synchronization.
type ShardRegistry struct {
	roots []string // cleaned, ordered; index = ShardID
}

// NewShardRegistry builds a registry from the layout's ordered roots.
func NewShardRegistry(layout WorkspaceLayout) (*ShardRegistry, error) {
	if len(layout.SourceRoots) == 0 {
		return nil, fmt.Errorf("registry: workspace layout has no source roots")
	}
	roots := make([]string, 0, len(layout.SourceRoots))
	for _, root := range layout.SourceRoots {
		if root.Path == "" {
			return nil, fmt.Errorf("registry: empty source root path")
		}
		roots = append(roots, filepath.Clean(root.Path))
	}
	return &ShardRegistry{roots: roots}, nil
}

// NumShards returns the shard count.
func (r *ShardRegistry) NumShards() int { return len(r.roots) }

// Root returns the source root owned by the given shard.
func (r *ShardRegistry) Root(shard protocol.ShardID) (string, bool) {
	if int(shard) >= len(r.roots) {
		return "", false
	}
	return r.roots[shard], true
}

// ShardForPath returns the shard owning path: the first root in layout order
// that path is a descendant of (or equal to). Matching is on whole path
// segments, so /a/bc is not under /a/b.
func (r *ShardRegistry) ShardForPath(path string) (protocol.ShardID, bool) {
	cleaned := filepath.Clean(path)
	for i, root := range r.roots {
		if cleaned == root {
			return protocol.ShardID(i), true
		}
		prefix := root
		if !strings.HasSuffix(prefix, string(filepath.Separator)) {
			prefix += string(filepath.Separator)
		}
		if strings.HasPrefix(cleaned, prefix) {
			return protocol.ShardID(i), true
		}
	}
	return 0, false
}
