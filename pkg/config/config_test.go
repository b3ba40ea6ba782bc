package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 25, cfg.Buffer.PageFrames)
	assert.Equal(t, 5, cfg.Buffer.IndexFrames)
	assert.Equal(t, 100, cfg.Index.NodeCapacity)
	assert.Equal(t, "usage", cfg.Buffer.Policy)

	loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
[storage]
data_dir = /var/lib/minisql

[buffer]
page_frames = 64
policy = LRU

[index]
node_capacity = 16

[log]
level = debug
format = json
`))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/minisql", cfg.DataDir)
	assert.Equal(t, 64, cfg.Buffer.PageFrames)
	assert.Equal(t, DefaultIndexFrames, cfg.Buffer.IndexFrames)
	assert.Equal(t, "lru", cfg.Buffer.Policy)
	assert.Equal(t, 16, cfg.Index.NodeCapacity)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "stderr", cfg.Log.Output)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"zero frames", "[buffer]\npage_frames = 0"},
		{"too few index frames", "[buffer]\nindex_frames = 2"},
		{"no frame left for a scan during a split", "[buffer]\nindex_frames = 3"},
		{"unknown policy", "[buffer]\npolicy = clock"},
		{"tiny nodes", "[index]\nnode_capacity = 1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.text))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestMinimumIndexFramesAccepted(t *testing.T) {
	cfg, err := Parse([]byte("[buffer]\nindex_frames = 4"))
	require.NoError(t, err)
	assert.Equal(t, MinIndexFrames, cfg.Buffer.IndexFrames)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minisql.ini")
	require.NoError(t, os.WriteFile(path, []byte("[buffer]\nindex_frames = 8\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Buffer.IndexFrames)

	_, err = Load(filepath.Join(t.TempDir(), "missing.ini"))
	assert.Error(t, err)
}
