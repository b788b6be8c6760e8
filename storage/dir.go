package storage

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Dir serves files from the local filesystem. Names are joined to Root as
// given; there is no sandboxing.
type Dir struct {
	Root string
}

// NewDir creates a Dir rooted at root. An empty root resolves names against
// the working directory.
func NewDir(root string) *Dir {
	return &Dir{Root: root}
}

func (d *Dir) path(name string) string {
	if d.Root == "" {
		return name
	}
	return filepath.Join(d.Root, name)
}

// Open implements Store.
func (d *Dir) Open(name string) (io.ReadCloser, error) {
	f, err := os.Open(d.path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "open %s failed", name)
	}
	return f, nil
}

// Create implements Store.
func (d *Dir) Create(name string) (io.WriteCloser, error) {
	f, err := os.OpenFile(d.path(name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s failed", name)
	}
	return f, nil
}
