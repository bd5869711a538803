package corfs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalImplementsFileSystem(t *testing.T) {
	var fileSystem FileSystem = &LocalFileSystem{}
	assert.NotNil(t, fileSystem)
}

func TestLocalListFiles(t *testing.T) {
	tmpdir := t.TempDir()

	tmpFilePath := filepath.Join(tmpdir, "tmpfile")
	os.WriteFile(tmpFilePath, []byte("foo"), 0777)

	fs := LocalFileSystem{}

	files, err := fs.ListFiles(filepath.Join(tmpdir, "*"))
	assert.Nil(t, err)

	assert.Len(t, files, 1)
	assert.Equal(t, tmpFilePath, files[0].Name)
	assert.False(t, files[0].IsDir)
}

func TestLocalOpenReader(t *testing.T) {
	tmpdir := t.TempDir()
	os.WriteFile(filepath.Join(tmpdir, "tmpfile"), []byte("foo bar baz"), 0777)

	fs := LocalFileSystem{}

	path := filepath.Join(tmpdir, "tmpfile")

	// Test reader that begins at beginning of file
	reader, err := fs.OpenReader(path, 0)
	assert.Nil(t, err)

	contents, err := io.ReadAll(reader)
	assert.Nil(t, err)
	assert.Equal(t, []byte("foo bar baz"), contents)
	assert.Nil(t, reader.Close())

	// Test reader that begins in the middle of a file
	reader, err = fs.OpenReader(path, 4)
	assert.Nil(t, err)

	contents, err = io.ReadAll(reader)
	assert.Nil(t, err)
	assert.Equal(t, []byte("bar baz"), contents)
	assert.Nil(t, reader.Close())
}

func TestLocalOpenReaderMissingFile(t *testing.T) {
	fs := LocalFileSystem{}
	_, err := fs.OpenReader(filepath.Join(t.TempDir(), "missing"), 0)
	assert.NotNil(t, err)
}

func TestLocalOpenWriter(t *testing.T) {
	tmpdir := t.TempDir()

	fs := LocalFileSystem{}

	path := filepath.Join(tmpdir, "tmpfile")

	writer, err := fs.OpenWriter(path)
	assert.Nil(t, err)

	n, err := writer.Write([]byte("foo bar baz"))
	assert.Equal(t, 11, n)
	assert.Nil(t, err)
	assert.Nil(t, writer.Close())

	contents, err := os.ReadFile(path)
	assert.Nil(t, err)
	assert.Equal(t, []byte("foo bar baz"), contents)
}

func TestLocalStat(t *testing.T) {
	tmpdir := t.TempDir()

	path := filepath.Join(tmpdir, "tmpfile")
	os.WriteFile(path, []byte("foo"), 0777)

	fs := LocalFileSystem{}

	fInfo, err := fs.Stat(path)
	assert.Nil(t, err)
	assert.Equal(t, path, fInfo.Name)
	assert.Equal(t, int64(3), fInfo.Size)
	assert.False(t, fInfo.IsDir)

	dirInfo, err := fs.Stat(tmpdir)
	assert.Nil(t, err)
	assert.True(t, dirInfo.IsDir)
}

func TestLocalCreateIntermediateDirectory(t *testing.T) {
	tmpdir := t.TempDir()

	path := filepath.Join(tmpdir, "additionalFolder", "tmpfile")

	fs := LocalFileSystem{}

	writer, err := fs.OpenWriter(path)
	assert.Nil(t, err)

	_, err = writer.Write([]byte("foo"))
	assert.Nil(t, err)

	assert.Nil(t, writer.Close())

	stat, err := os.Stat(filepath.Join(tmpdir, "additionalFolder"))
	assert.Nil(t, err)
	assert.True(t, stat.IsDir())
}

func TestLocalListGlob(t *testing.T) {
	tmpdir := t.TempDir()

	path := filepath.Join(tmpdir, "tmpfile")
	os.WriteFile(path, []byte("foo"), 0777)
	os.WriteFile(filepath.Join(tmpdir, "other"), []byte("bar"), 0777)

	fs := LocalFileSystem{}

	files, err := fs.ListFiles(filepath.Join(tmpdir, "tmp*"))
	assert.Nil(t, err)
	assert.Len(t, files, 1)

	assert.Equal(t, int64(3), files[0].Size)
	assert.Equal(t, path, files[0].Name)
}

func TestLocalListDoubleStarGlob(t *testing.T) {
	tmpdir := t.TempDir()

	nested := filepath.Join(tmpdir, "a", "b")
	assert.Nil(t, os.MkdirAll(nested, 0777))
	os.WriteFile(filepath.Join(tmpdir, "top.txt"), []byte("1"), 0777)
	os.WriteFile(filepath.Join(nested, "deep.txt"), []byte("22"), 0777)
	os.WriteFile(filepath.Join(nested, "deep.csv"), []byte("333"), 0777)

	fs := LocalFileSystem{}

	files, err := fs.ListFiles(filepath.Join(tmpdir, "**", "*.txt"))
	assert.Nil(t, err)

	names := make([]string, 0, len(files))
	for _, file := range files {
		names = append(names, file.Name)
	}
	assert.ElementsMatch(t, []string{
		filepath.Join(tmpdir, "top.txt"),
		filepath.Join(nested, "deep.txt"),
	}, names)
}

func TestLocalDelete(t *testing.T) {
	tmpdir := t.TempDir()

	path := filepath.Join(tmpdir, "tmpfile")
	os.WriteFile(path, []byte("foo"), 0777)

	fs := LocalFileSystem{}
	assert.Nil(t, fs.Delete(path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Deleting again is not an error
	assert.Nil(t, fs.Delete(path))
}
