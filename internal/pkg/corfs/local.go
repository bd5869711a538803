package corfs

import (
	"io"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	log "github.com/sirupsen/logrus"
)

// LocalFileSystem reads and writes files on the local disk.
type LocalFileSystem struct{}

// ListFiles lists the files and directories matching pathGlob.
// Patterns may use "**" to match across directory levels.
func (l *LocalFileSystem) ListFiles(pathGlob string) ([]FileInfo, error) {
	globbedFiles, err := doublestar.FilepathGlob(pathGlob)
	if err != nil {
		return nil, err
	}

	files := make([]FileInfo, 0, len(globbedFiles))
	for _, fileName := range globbedFiles {
		fInfo, err := os.Stat(fileName)
		if err != nil {
			log.Error(err)
			continue
		}
		files = append(files, FileInfo{
			Name:  fileName,
			Size:  fInfo.Size(),
			IsDir: fInfo.IsDir(),
		})
	}

	return files, nil
}

// OpenReader opens filePath for reading, positioned startAt bytes in.
func (l *LocalFileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	if startAt > 0 {
		if _, err = file.Seek(startAt, io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
	}
	return file, nil
}

// OpenWriter creates or truncates filePath, creating parent directories.
func (l *LocalFileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	dir := filepath.Dir(filePath)

	// Create writer directory if necessary
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return nil, err
		}
	}

	return os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
}

func (l *LocalFileSystem) Stat(filePath string) (FileInfo, error) {
	fInfo, err := os.Stat(filePath)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Name:  filePath,
		Size:  fInfo.Size(),
		IsDir: fInfo.IsDir(),
	}, nil
}

// Delete removes filePath. Deleting a missing file is not an error.
func (l *LocalFileSystem) Delete(filePath string) error {
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (l *LocalFileSystem) Join(elem ...string) string {
	return filepath.Join(elem...)
}

func (l *LocalFileSystem) Init() error {
	return nil
}
