package assetstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bitkeep/bitkeep/internal/checksum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(0, t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func TestRelativePath(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"12345678901234567890", "12/34/56/12345678901234567890"},
		{"ab/cd/../123456", "12/34/56/123456"},
		{`dir\abcdef0123`, "ab/cd/ef/abcdef0123"},
		{"-Rimport/2024/file.pdf", "import/2024/file.pdf"},
		{"-R/import/file.pdf", "import/file.pdf"},
	}
	for _, tt := range tests {
		got, err := RelativePath(tt.id)
		require.NoError(t, err, tt.id)
		assert.Equal(t, tt.want, got, tt.id)
	}
}

func TestRelativePath_Invalid(t *testing.T) {
	for _, id := range []string{"12345", "", "-R", "-R../outside", "-Ra/../../b"} {
		_, err := RelativePath(id)
		assert.True(t, errors.Is(err, ErrInvalidInternalID), "id %q", id)
	}
}

func TestStore_WriteOpenRoundTrip(t *testing.T) {
	for _, enc := range []Encoding{EncodingIdentity, EncodingZstd} {
		t.Run(string(enc), func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()
			data := bytes.Repeat([]byte("round trip content "), 4096)

			res, err := s.Write(ctx, "0123456789abcdef", bytes.NewReader(data), enc, checksum.MD5)
			require.NoError(t, err)
			assert.Equal(t, "01/23/45/0123456789abcdef", res.Path)
			assert.Equal(t, int64(len(data)), res.Size)
			assert.Equal(t, checksum.MD5, res.Algorithm)

			want, err := checksum.Sum(data, checksum.MD5)
			require.NoError(t, err)
			assert.Equal(t, want, res.Checksum)

			if enc == EncodingZstd {
				assert.Less(t, res.StoredSize, res.Size, "repetitive content should compress")
			} else {
				assert.Equal(t, res.Size, res.StoredSize)
			}

			rc, err := s.Open(res.Path, enc)
			require.NoError(t, err)
			got, err := io.ReadAll(rc)
			require.NoError(t, rc.Close())
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestStore_WriteRefusesExistingPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, "aabbccddeeff", strings.NewReader("one"), EncodingIdentity, checksum.MD5)
	require.NoError(t, err)

	_, err = s.Write(ctx, "aabbccddeeff", strings.NewReader("two"), EncodingIdentity, checksum.MD5)
	assert.True(t, errors.Is(err, ErrPathInUse))
}

func TestStore_WriteCancelledLeavesNoFile(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Write(ctx, "aabbccddeeff", strings.NewReader("data"), EncodingIdentity, checksum.MD5)
	require.Error(t, err)
	assert.False(t, s.Exists("aa/bb/cc/aabbccddeeff"))

	n, err := s.SweepTemp(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "failed write should clean its own temp file")
}

func TestStore_WriteRejectsRegisteredID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Write(context.Background(), "-Rsome/file", strings.NewReader("x"), EncodingIdentity, checksum.MD5)
	assert.True(t, errors.Is(err, ErrInvalidInternalID))
}

func TestStore_OpenMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Open("aa/bb/cc/aabbccddeeff", EncodingIdentity)
	assert.True(t, errors.Is(err, ErrFileMissing))

	_, err = s.Stat("aa/bb/cc/aabbccddeeff")
	assert.True(t, errors.Is(err, ErrFileMissing))
}

func TestStore_RemovePrunesEmptyParents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, "aabbccdd0001", strings.NewReader("one"), EncodingIdentity, checksum.MD5)
	require.NoError(t, err)
	_, err = s.Write(ctx, "aabbee000002", strings.NewReader("two"), EncodingIdentity, checksum.MD5)
	require.NoError(t, err)

	require.NoError(t, s.Remove("aa/bb/cc/aabbccdd0001"))
	_, err = os.Stat(filepath.Join(s.Root(), "aa", "bb", "cc"))
	assert.True(t, os.IsNotExist(err), "empty leaf dir should be removed")
	_, err = os.Stat(filepath.Join(s.Root(), "aa", "bb", "ee"))
	assert.NoError(t, err, "sibling dir must survive")

	require.NoError(t, s.Remove("aa/bb/ee/aabbee000002"))
	_, err = os.Stat(filepath.Join(s.Root(), "aa"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.Root())
	assert.NoError(t, err, "store root is never removed")

	assert.NoError(t, s.Remove("aa/bb/ee/aabbee000002"), "removing a missing file is not an error")
}

func TestStore_WalkSkipsRegisteredAndTemp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, "aabbccdd0001", strings.NewReader("one"), EncodingIdentity, checksum.MD5)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "import"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "import", "registered.pdf"), []byte("r"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "aa", "bb", "cc", tempPrefix+"123"), []byte("t"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "aa", "bb", "cc", "zzzzzz"), []byte("misplaced"), 0644))

	var seen []string
	err = s.Walk(ctx, func(rel string, info os.FileInfo) error {
		seen = append(seen, rel)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"aa/bb/cc/aabbccdd0001"}, seen)
}

func TestStore_SweepTemp(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(s.Root(), "aa", "bb", "cc")
	require.NoError(t, os.MkdirAll(dir, 0755))

	stale := filepath.Join(dir, tempPrefix+"stale")
	fresh := filepath.Join(dir, tempPrefix+"fresh")
	require.NoError(t, os.WriteFile(stale, []byte("s"), 0644))
	require.NoError(t, os.WriteFile(fresh, []byte("f"), 0644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	n, err := s.SweepTemp(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestStore_OpenUnknownEncoding(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Write(context.Background(), "aabbccdd0001", strings.NewReader("one"), "gzip", checksum.MD5)
	assert.True(t, errors.Is(err, ErrUnknownEncoding))
}
