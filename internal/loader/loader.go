// Package loader reads baseline artifact definitions from a directory tree
// of JSON files and registers them with the reconciliation job.
package loader

import (
	"context"
	"encoding/json"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/featurelane/allocator/internal/api"
)

// Registrar receives each parsed artifact keyed by its path relative to
// the definitions root (slash-separated).
type Registrar interface {
	LoadArtifact(ctx context.Context, path string, artifact *api.Artifact) error
}

// LoadDir walks dir recursively and registers every .json file found.
// A file that fails to parse or register is logged and skipped; the walk
// continues. Returns the number of artifacts registered.
func LoadDir(ctx context.Context, dir string, registrar Registrar) (int, error) {
	loaded := 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("read datafile %s: %v", path, err)
			return nil
		}

		var artifact api.Artifact
		if err := json.Unmarshal(data, &artifact); err != nil {
			log.Printf("parse datafile %s: %v", path, err)
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if err := registrar.LoadArtifact(ctx, rel, &artifact); err != nil {
			log.Printf("register datafile %s: %v", rel, err)
			return nil
		}

		loaded++
		return nil
	})

	return loaded, err
}
