// Package storage manages the directories a build writes its artifacts to:
// one temporary root per build, a subdirectory per device and one per
// kernel below it.
//
//	<base>/kernelc-<uuid>/
//	    <device>/program.kir
//	    <device>/<kernel>/kernel.kir
//	    <device>/<kernel>/descriptor.so.kernel_obj.c
//	    <device>/<kernel>/parallel.kco
package storage

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gogpu/kernelc/diag"
	"github.com/gogpu/kernelc/target"
)

// Artifact file names.
const (
	ProgramFile = "program.kir"
	KernelFile  = "kernel.kir"
)

// Store is the temporary root of one build.
type Store struct {
	root string
	keep bool
}

// New creates a fresh root below base, or below the system temporary
// directory when base is empty. The root is kept on Close when
// KERNELC_LEAVE_TEMP_DIRS is set.
func New(base string) (*Store, error) {
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, diag.New(diag.KindResource, errors.Wrapf(err, "creating storage base %q", base))
	}
	root := filepath.Join(base, "kernelc-"+uuid.NewString())
	if err := os.Mkdir(root, 0o755); err != nil {
		return nil, diag.New(diag.KindResource, errors.Wrapf(err, "creating storage root %q", root))
	}
	klog.V(1).Infof("storage root %s", root)
	return &Store{root: root, keep: target.LeaveTempDirs()}, nil
}

// Root returns the root directory.
func (s *Store) Root() string { return s.root }

// Keep keeps the root on Close.
func (s *Store) Keep() { s.keep = true }

// Device returns the directory of a device, creating it.
func (s *Store) Device(name string) (*Dir, error) {
	return mkdir(filepath.Join(s.root, cleanName(name)))
}

// Kernel returns the directory of a kernel built for a device, creating it.
func (s *Store) Kernel(device, kernel string) (*Dir, error) {
	return mkdir(filepath.Join(s.root, cleanName(device), cleanName(kernel)))
}

// Close removes the root unless it is kept.
func (s *Store) Close() error {
	if s.keep {
		klog.Infof("leaving build directory %s", s.root)
		return nil
	}
	if err := os.RemoveAll(s.root); err != nil {
		return diag.New(diag.KindResource, errors.Wrapf(err, "removing %q", s.root))
	}
	return nil
}

// cleanName maps a device or kernel name to a single path element.
func cleanName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
	switch name {
	case "", ".", "..":
		return "_" + name
	}
	return name
}

func mkdir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, diag.New(diag.KindResource, errors.Wrapf(err, "creating %q", path))
	}
	return &Dir{path: path}, nil
}

// Dir is one artifact directory.
type Dir struct {
	path string
}

// Path returns the directory path.
func (d *Dir) Path() string { return d.path }

// File returns the path of an artifact in d.
func (d *Dir) File(name string) string { return filepath.Join(d.path, name) }

// WriteFile writes an artifact.
func (d *Dir) WriteFile(name string, data []byte) error {
	if err := os.WriteFile(d.File(name), data, 0o644); err != nil {
		return diag.New(diag.KindResource, errors.Wrapf(err, "writing %s", name))
	}
	return nil
}

// WriteWith creates an artifact and fills it with write.
func (d *Dir) WriteWith(name string, write func(io.Writer) error) error {
	f, err := os.Create(d.File(name))
	if err != nil {
		return diag.New(diag.KindResource, errors.Wrapf(err, "creating %s", name))
	}
	if err := write(f); err != nil {
		f.Close()
		return diag.New(diag.KindResource, errors.WithMessagef(err, "writing %s", name))
	}
	if err := f.Close(); err != nil {
		return diag.New(diag.KindResource, errors.Wrapf(err, "closing %s", name))
	}
	return nil
}

// ReadFile reads an artifact back.
func (d *Dir) ReadFile(name string) ([]byte, error) {
	data, err := os.ReadFile(d.File(name))
	if err != nil {
		return nil, diag.New(diag.KindResource, errors.Wrapf(err, "reading %s", name))
	}
	return data, nil
}
