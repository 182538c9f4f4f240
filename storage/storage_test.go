package storage

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/kernelc/diag"
	"github.com/gogpu/kernelc/target"
)

func TestStore_Layout(t *testing.T) {
	t.Setenv(target.EnvLeaveTempDirs, "")
	base := t.TempDir()
	s, err := New(base)
	require.NoError(t, err)
	assert.Equal(t, base, filepath.Dir(s.Root()))
	assert.True(t, strings.HasPrefix(filepath.Base(s.Root()), "kernelc-"))

	dev, err := s.Device("host")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "host"), dev.Path())

	k, err := s.Kernel("host", "saxpy")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dev.Path(), "saxpy"), k.Path())

	require.NoError(t, k.WriteFile(KernelFile, []byte("ir")))
	require.NoError(t, k.WriteWith("descriptor.so.kernel_obj.c", func(w io.Writer) error {
		_, err := io.WriteString(w, "int x;\n")
		return err
	}))
	data, err := k.ReadFile(KernelFile)
	require.NoError(t, err)
	assert.Equal(t, []byte("ir"), data)

	require.NoError(t, s.Close())
	_, err = os.Stat(s.Root())
	assert.True(t, os.IsNotExist(err))
}

func TestStore_UniqueRoots(t *testing.T) {
	base := t.TempDir()
	a, err := New(base)
	require.NoError(t, err)
	b, err := New(base)
	require.NoError(t, err)
	assert.NotEqual(t, a.Root(), b.Root())
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}

func TestStore_LeaveTempDirs(t *testing.T) {
	t.Setenv(target.EnvLeaveTempDirs, "1")
	s, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	_, err = os.Stat(s.Root())
	assert.NoError(t, err)
}

func TestStore_NamesStayInside(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	for _, name := range []string{"../escape", "a/b", "..", ""} {
		d, err := s.Kernel("dev", name)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(s.Root(), "dev"), filepath.Dir(d.Path()), name)
	}
}

func TestStore_ResourceErrors(t *testing.T) {
	base := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(base, nil, 0o644))
	_, err := New(base)
	require.Error(t, err)
	assert.Equal(t, diag.KindResource, diag.KindOf(err))

	s, err := New(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	d, err := s.Device("host")
	require.NoError(t, err)
	_, err = d.ReadFile("missing")
	assert.Equal(t, diag.KindResource, diag.KindOf(err))

	err = d.WriteWith("broken", func(w io.Writer) error { return errors.New("boom") })
	assert.Equal(t, diag.KindResource, diag.KindOf(err))
	assert.Contains(t, err.Error(), "boom")

	require.NoError(t, os.Chmod(d.Path(), 0o555))
	defer os.Chmod(d.Path(), 0o755)
	if os.Getuid() != 0 {
		assert.Equal(t, diag.KindResource, diag.KindOf(d.WriteFile("denied", []byte("x"))))
	}
}
