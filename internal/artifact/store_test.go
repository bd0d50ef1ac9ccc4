package artifact

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func fakeAPK(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"AndroidManifest.xml", "classes.dex"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("payload for " + name))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(Options{Dir: filepath.Join(dir, "uploads"), ResultsDir: filepath.Join(dir, "results"), MaxBytes: maxBytes}, testLogger())
	require.NoError(t, err)
	return s
}

func TestStore_PutAndPathOf(t *testing.T) {
	s := newTestStore(t, 0)
	data := fakeAPK(t)

	art, err := s.Put(bytes.NewReader(data), "sample.apk")
	require.NoError(t, err)
	assert.NotEmpty(t, art.ID)
	assert.Equal(t, "sample.apk", art.Filename)
	assert.Equal(t, int64(len(data)), art.Size)
	assert.Equal(t, filepath.Join(s.dir, art.ID+".apk"), art.Path)

	path, err := s.PathOf(art.ID)
	require.NoError(t, err)
	stored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	got, err := s.Get(art.ID)
	require.NoError(t, err)
	assert.Equal(t, *art, *got)

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestStore_PutRejectsNonPackage(t *testing.T) {
	s := newTestStore(t, 0)

	_, err := s.Put(strings.NewReader("just some text"), "notes.apk")
	assert.ErrorIs(t, err, ErrNotPackage)

	_, err = s.Put(bytes.NewReader(fakeAPK(t)), "archive.zip")
	assert.ErrorIs(t, err, ErrNotPackage)

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_PutRejectsTraversal(t *testing.T) {
	s := newTestStore(t, 0)
	for _, name := range []string{"../evil.apk", "a/b.apk", `a\b.apk`, ""} {
		_, err := s.Put(bytes.NewReader(fakeAPK(t)), name)
		assert.ErrorIs(t, err, ErrInvalidFilename, name)
	}
}

func TestStore_PutTooLarge(t *testing.T) {
	s := newTestStore(t, 16)
	_, err := s.Put(bytes.NewReader(fakeAPK(t)), "big.apk")
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_PathOfUnknownAndInvalid(t *testing.T) {
	s := newTestStore(t, 0)

	_, err := s.PathOf("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, id := range []string{"", "..", "../x", "a/b", `a\b`} {
		_, err := s.PathOf(id)
		assert.ErrorIs(t, err, ErrInvalidID, id)
	}
}

func TestStore_GetFromDiskOnly(t *testing.T) {
	s := newTestStore(t, 0)
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "a1.apk"), fakeAPK(t), 0o644))

	art, err := s.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", art.ID)
	assert.Positive(t, art.Size)
}

func TestStore_ResultsDir(t *testing.T) {
	s := newTestStore(t, 0)
	dir, err := s.ResultsDir("a1")
	require.NoError(t, err)
	assert.DirExists(t, dir)

	_, err = s.ResultsDir("../a1")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestStore_Cleanup(t *testing.T) {
	s := newTestStore(t, 0)

	oldArt, err := s.Put(bytes.NewReader(fakeAPK(t)), "old.apk")
	require.NoError(t, err)
	newArt, err := s.Put(bytes.NewReader(fakeAPK(t)), "new.apk")
	require.NoError(t, err)
	oldResults, err := s.ResultsDir(oldArt.ID)
	require.NoError(t, err)

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldArt.Path, past, past))

	cleaned, err := s.Cleanup(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	_, err = s.PathOf(oldArt.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoDirExists(t, oldResults)
	_, err = s.PathOf(newArt.ID)
	assert.NoError(t, err)
}
