package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/libdnn/internal/tunecache"
)

func writeLayers(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "layers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testLayers), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "libdnn "+version+"\n", out)
}

func TestGenerate(t *testing.T) {
	path := writeLayers(t)

	out, err := execute(t, "generate", "-c", path, "--layer", "stem", "--mode", "fw")
	require.NoError(t, err)
	assert.Contains(t, out, "// layer stem, kernel conv_forward")
	assert.Contains(t, out, "fn conv_forward(")
	assert.NotContains(t, out, "fn conv_weights(")

	out, err = execute(t, "generate", "-c", path)
	require.NoError(t, err)
	assert.Equal(t, 6, strings.Count(out, "// layer "))

	_, err = execute(t, "generate", "-c", path, "--mode", "xx")
	assert.Error(t, err)
	_, err = execute(t, "generate", "-c", path, "--layer", "missing")
	assert.Error(t, err)
	_, err = execute(t, "generate", "-c", path, "--device", "tpu")
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	out, err := execute(t, "fingerprint", "-c", writeLayers(t))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "stem\tCONV_float_"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "layer1\tCONV_half_"), lines[1])
}

func TestTuneUpdatesCache(t *testing.T) {
	path := writeLayers(t)
	cachePath := filepath.Join(t.TempDir(), "tune.yaml")

	out, err := execute(t, "tune", "-c", path, "--cache", cachePath, "-n", "2", "-j", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "LAYER")
	assert.Contains(t, out, "stem")

	cache, err := tunecache.Load(cachePath)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	// A second run finds both layers cached.
	out, err = execute(t, "tune", "-c", path, "--cache", cachePath, "-n", "2")
	require.NoError(t, err)
	assert.Equal(t, 6, strings.Count(out, "cached"))
}

func TestTuneRejectsUnknownMethod(t *testing.T) {
	_, err := execute(t, "tune", "-c", writeLayers(t), "--method", "genetic")
	assert.Error(t, err)
}
