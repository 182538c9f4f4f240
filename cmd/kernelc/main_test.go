package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/kernelc/target"
)

func TestParseLocalSize(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want [3]uint32
		err  bool
	}{
		{"", [3]uint32{}, false},
		{"8", [3]uint32{8, 1, 1}, false},
		{"8, 4", [3]uint32{8, 4, 1}, false},
		{"2,2,2", [3]uint32{2, 2, 2}, false},
		{"0", [3]uint32{}, true},
		{"1,2,3,4", [3]uint32{}, true},
		{"x", [3]uint32{}, true},
	} {
		got, err := parseLocalSize(tc.in)
		if tc.err {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestLoadEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernelc.env")
	require.NoError(t, os.WriteFile(path, []byte(target.EnvWorkGroupMethod+"=loopvec\n"), 0o644))
	t.Setenv(target.EnvWorkGroupMethod, "")
	os.Unsetenv(target.EnvWorkGroupMethod)

	require.NoError(t, loadEnv(path))
	assert.Equal(t, target.MethodLoopVec, target.WorkGroupMethod())

	assert.Error(t, loadEnv(filepath.Join(t.TempDir(), "missing.env")))
}
