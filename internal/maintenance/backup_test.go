package maintenance

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKeyRoundTrip(t *testing.T) {
	s := &BackupService{keyPrefix: "augur"}

	stamp := time.Date(2026, 1, 8, 14, 30, 22, 0, time.UTC)
	key := s.objectKey(stamp)
	assert.Equal(t, "augur/augur-snapshot-2026-01-08-143022.db.gz", key)

	parsed, ok := parseSnapshotKey(key)
	require.True(t, ok)
	assert.Equal(t, stamp, parsed)
}

func TestParseSnapshotKeyRejectsForeignObjects(t *testing.T) {
	for _, key := range []string{
		"augur/readme.txt",
		"augur/augur-snapshot-garbage.db.gz",
		"augur/augur-snapshot-2026-01-08-143022.tar.gz",
		"",
	} {
		_, ok := parseSnapshotKey(key)
		assert.False(t, ok, "key %q should not parse", key)
	}
}

func TestCompressFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "plain.txt")
	dest := filepath.Join(dir, "plain.txt.gz")
	require.NoError(t, os.WriteFile(src, []byte("snapshot contents"), 0644))

	require.NoError(t, compressFile(src, dest))

	f, err := os.Open(dest)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot contents"), data)
}
