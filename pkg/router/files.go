package router

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"javelin/pkg/protocol"
)

// collectJavaFiles reads every .java file under root, sorted by path so
// indexing is deterministic. A missing root is an empty shard, not an error.
func collectJavaFiles(root string) ([]protocol.FileText, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".java") {
			paths = append(paths, path)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	files := make([]protocol.FileText, 0, len(paths))
	for _, path := range paths {
		text, err := os.ReadFile(path) //nolint:gosec // paths come from the walked root
		if err != nil {
			return nil, err
		}
		files = append(files, protocol.FileText{Path: path, Text: string(text)})
	}
	return files, nil
}
