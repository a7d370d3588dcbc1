package hosts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/errors"
)

func TestResolve(t *testing.T) {
	d := NewMemoryDirectory(Descriptor{ID: "h1", Devices: []string{"gpu0"}})

	h, err := d.Resolve("h1")
	require.NoError(t, err)
	assert.Equal(t, dispatch.Handle("launcher.h1"), h.Launcher)
	assert.True(t, h.HasDevices([]string{"gpu0"}))
	assert.False(t, h.HasDevices([]string{"gpu0", "tpu"}))
	assert.True(t, h.HasDevices(nil))

	_, err = d.Resolve("h9")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestResolveReturnsCopy(t *testing.T) {
	d := NewMemoryDirectory(Descriptor{ID: "h1", Devices: []string{"gpu0"}})
	h, _ := d.Resolve("h1")
	h.Devices[0] = "changed"
	again, _ := d.Resolve("h1")
	assert.Equal(t, "gpu0", again.Devices[0])
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.toml")
	content := `
[[host]]
id = "h1"
address = "10.0.0.5"
devices = ["gpu0"]

[[host]]
id = "h2.example"
launcher = "launcher.custom"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	d, err := LoadFile(path)
	require.NoError(t, err)
	list := d.List()
	require.Len(t, list, 2)
	assert.Equal(t, "10.0.0.5", list[0].Address)
	assert.Equal(t, dispatch.Handle("launcher.custom"), list[1].Launcher)
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadFile(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)

	path := filepath.Join(dir, "noid.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[host]]\naddress = \"x\"\n"), 0644))
	_, err = LoadFile(path)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}
