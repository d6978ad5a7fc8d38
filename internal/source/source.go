// Package source loads patch definitions from a directory containing a
// manifest.yaml and the SQL files it references. The manifest declares each
// patch's id, its requirements, and its up/down SQL files; declaration order
// is the order the runner applies them in.
package source

import (
	"fmt"
	"io/fs"
	"path"

	"gopkg.in/yaml.v3"
)

// ManifestName is the file the loader looks for inside a patch directory.
const ManifestName = "manifest.yaml"

// Patch is one declared schema patch, with its SQL payloads loaded.
type Patch struct {
	// ID is the unique patch identifier.
	ID string

	// Requires lists patch ids that must be installed before this one.
	Requires []string

	// Up is the SQL applied when the patch is installed.
	Up string

	// Down is the SQL applied when the patch is reverted. Empty means the
	// patch cannot be reverted through the runner.
	Down string
}

type manifest struct {
	Patches []manifestEntry `yaml:"patches"`
}

type manifestEntry struct {
	ID       string   `yaml:"id"`
	Requires []string `yaml:"requires"`
	Up       string   `yaml:"up"`
	Down     string   `yaml:"down"`
}

// Load reads the manifest in dir and returns its patches in declaration
// order, with up/down SQL read from the referenced files. It validates that
// ids are unique and non-empty, that every patch has an up file, and that
// requires entries only reference ids declared earlier in the manifest or
// ids absent from the manifest entirely (assumed installed out of band).
func Load(fsys fs.FS, dir string) ([]Patch, error) {
	raw, err := fs.ReadFile(fsys, path.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Patches) == 0 {
		return nil, fmt.Errorf("manifest declares no patches")
	}

	seen := make(map[string]bool, len(m.Patches))
	declared := make(map[string]bool, len(m.Patches))
	for _, e := range m.Patches {
		declared[e.ID] = true
	}

	patches := make([]Patch, 0, len(m.Patches))
	for i, e := range m.Patches {
		if e.ID == "" {
			return nil, fmt.Errorf("patch %d: empty id", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("patch %q declared twice", e.ID)
		}
		for _, req := range e.Requires {
			if req == e.ID {
				return nil, fmt.Errorf("patch %q requires itself", e.ID)
			}
			// A requirement declared in this manifest must come first;
			// undeclared ids are left for the ledger to validate.
			if declared[req] && !seen[req] {
				return nil, fmt.Errorf("patch %q requires %q, which is declared later in the manifest", e.ID, req)
			}
		}
		if e.Up == "" {
			return nil, fmt.Errorf("patch %q: missing up file", e.ID)
		}

		up, err := fs.ReadFile(fsys, path.Join(dir, e.Up))
		if err != nil {
			return nil, fmt.Errorf("patch %q: read up SQL: %w", e.ID, err)
		}

		var down []byte
		if e.Down != "" {
			down, err = fs.ReadFile(fsys, path.Join(dir, e.Down))
			if err != nil {
				return nil, fmt.Errorf("patch %q: read down SQL: %w", e.ID, err)
			}
		}

		seen[e.ID] = true
		patches = append(patches, Patch{
			ID:       e.ID,
			Requires: append([]string(nil), e.Requires...),
			Up:       string(up),
			Down:     string(down),
		})
	}
	return patches, nil
}

// Find returns the patch with the given id, or nil.
func Find(patches []Patch, id string) *Patch {
	for i := range patches {
		if patches[i].ID == id {
			return &patches[i]
		}
	}
	return nil
}
