package filesys

import (
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestRoots(t *testing.T, n int) (*Roots, []string) {
	t.Helper()
	dirs := make([]string, n)
	for i := range dirs {
		dirs[i] = t.TempDir()
	}
	roots, err := NewRoots(dirs)
	require.NoError(t, err)
	return roots, dirs
}

func TestCleanVirtual(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"a/b", "/a/b", false},
		{"/a//b/", "/a/b", false},
		{`\win\style`, "/win/style", false},
		{"/a/./b", "/a/b", false},
		{"/a/../../etc", "", true},
		{"..", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CleanVirtual(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRootsLookupAcrossRoots(t *testing.T) {
	roots, dirs := newTestRoots(t, 2)
	writeFile(t, filepath.Join(dirs[1], "music", "a.mp3"), "x")

	local, ok := roots.Lookup("/music/a.mp3")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dirs[1], "music", "a.mp3"), local)
	assert.True(t, roots.Exists("/music"))
	assert.False(t, roots.Exists("/music/b.mp3"))

	v, ok := roots.Virtual(local)
	require.True(t, ok)
	assert.Equal(t, "/music/a.mp3", v)

	_, ok = roots.Virtual(filepath.Join(t.TempDir(), "elsewhere"))
	assert.False(t, ok)
}

func TestUploadPathPrefersRootHoldingParent(t *testing.T) {
	roots, dirs := newTestRoots(t, 2)
	require.NoError(t, os.MkdirAll(filepath.Join(dirs[1], "incoming"), 0o755))

	dst, err := roots.UploadPath("/incoming/new.bin")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dirs[1], "incoming", "new.bin"), dst)

	dst, err = roots.UploadPath("/fresh/deep/file.bin")
	require.NoError(t, err)
	assert.Contains(t, []string{filepath.Join(dirs[0], "fresh", "deep", "file.bin"), filepath.Join(dirs[1], "fresh", "deep", "file.bin")}, dst)
	assert.NoDirExists(t, filepath.Dir(dst))
}

func TestDeletePrunesEmptyParentsInEveryRoot(t *testing.T) {
	roots, dirs := newTestRoots(t, 2)
	for _, d := range dirs {
		writeFile(t, filepath.Join(d, "a", "b", "c.txt"), "data")
	}
	writeFile(t, filepath.Join(dirs[0], "a", "keep.txt"), "keep")

	require.NoError(t, roots.Delete("/a/b/c.txt"))
	assert.NoDirExists(t, filepath.Join(dirs[0], "a", "b"))
	assert.FileExists(t, filepath.Join(dirs[0], "a", "keep.txt"))
	assert.NoDirExists(t, filepath.Join(dirs[1], "a"))
	assert.DirExists(t, dirs[1])

	assert.ErrorIs(t, roots.Delete("/a/b/c.txt"), ErrNotFound)
	assert.ErrorIs(t, roots.Delete("/"), ErrInvalidPath)
}

func TestRename(t *testing.T) {
	roots, dirs := newTestRoots(t, 1)
	writeFile(t, filepath.Join(dirs[0], "src", "old.txt"), "payload")
	writeFile(t, filepath.Join(dirs[0], "taken.txt"), "other")

	require.NoError(t, roots.Rename("/src/old.txt", "/dst/sub", "new.txt"))
	got, err := os.ReadFile(filepath.Join(dirs[0], "dst", "sub", "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	assert.NoDirExists(t, filepath.Join(dirs[0], "src"))

	assert.ErrorIs(t, roots.Rename("/dst/sub/new.txt", "/", "taken.txt"), ErrTargetExists)
	assert.ErrorIs(t, roots.Rename("/missing", "/", "x"), ErrNotFound)
	assert.ErrorIs(t, roots.Rename("/taken.txt", "/", "a/b"), ErrInvalidPath)
}

func TestChecksum(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f.bin")
	writeFile(t, p, "checksum me")

	sum, err := Checksum(p)
	require.NoError(t, err)
	assert.Equal(t, crc32.ChecksumIEEE([]byte("checksum me")), sum)

	_, err = Checksum(filepath.Join(dir, "none"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskStatus(t *testing.T) {
	roots, _ := newTestRoots(t, 2)
	status := roots.DiskStatus()
	assert.NotZero(t, status.SpaceCapacity)
	assert.LessOrEqual(t, status.SpaceAvailable, status.SpaceCapacity)
}
