package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Persist implements the fsxpack.Persist interface for storing and
// loading containers from files.
type Persist struct {
	basepath string
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid name %q", name)
	}
	return nil
}

// Load loads the bytes persisted in the named file.
func (p Persist) Load(ctx context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(p.basepath, name))
}

// Store persists the given bytes in a file of the given name, if it
// doesn't exist already. The file appears complete or not at all.
func (p Persist) Store(ctx context.Context, name string, bytes []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	path := filepath.Join(p.basepath, name)
	_, err := os.Stat(path)
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	tmp, err := os.CreateTemp(p.basepath, "."+name+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(bytes); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// NewPersistForPath returns a Persist that loads and stores containers
// as files in the directory at the given path.
//
//	p := NewPersistForPath("/var/db/revs")
//	blob, err := p.Load(ctx, "mDVDtTWqbv9RYxUMiFHzcZ7Lxs2DTXuWh4wZrYLyVBg")
func NewPersistForPath(path string) Persist {
	return Persist{path}
}
