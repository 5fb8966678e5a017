package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenLogAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "playpen.log")

	f, err := openLog(path)
	require.NoError(t, err)
	_, err = f.WriteString("first run\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// A second open must not truncate what the previous daemon wrote.
	f, err = openLog(path)
	require.NoError(t, err)
	_, err = f.WriteString("second run\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first run\nsecond run\n", string(data))
}

func TestLogPathUnderHome(t *testing.T) {
	assert.Equal(t, filepath.Join("/opt/pp", "playpen.log"), LogPath("/opt/pp"))
}
