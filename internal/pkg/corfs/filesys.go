package corfs

import (
	"io"
	"path"
	"strings"
)

// FileSystemType is an identifier for supported FileSystems
type FileSystemType int

// Identifiers for supported FileSystemTypes
const (
	Local FileSystemType = iota
	S3
)

// FileSystem provides the input data for test jobs.
// Inputs are listed and opened through a FileSystem so that a job can read
// from the local disk or from S3 without knowing which.
type FileSystem interface {
	ListFiles(pathGlob string) ([]FileInfo, error)
	Stat(filePath string) (FileInfo, error)
	OpenReader(filePath string, startAt int64) (io.ReadCloser, error)
	OpenWriter(filePath string) (io.WriteCloser, error)
	Delete(filePath string) error
	Join(elem ...string) string
	Init() error
}

// FileInfo provides information about a file
type FileInfo struct {
	Name  string // file path
	Size  int64  // file size in bytes
	IsDir bool
}

// InitFilesystem intializes a filesystem of the given type
func InitFilesystem(fsType FileSystemType) FileSystem {
	var fs FileSystem
	switch fsType {
	case Local:
		fs = &LocalFileSystem{}
	case S3:
		fs = &S3FileSystem{}
	}

	fs.Init()
	return fs
}

// InferFilesystem initializes a filesystem by inferring its type from
// a file address.
// For example, locations starting with "s3://" will resolve to an S3
// filesystem.
func InferFilesystem(location string) FileSystem {
	return InitFilesystem(InferFilesystemType(location))
}

// InferFilesystemType returns the FileSystemType of a file address.
func InferFilesystemType(location string) FileSystemType {
	if strings.HasPrefix(location, "s3://") {
		return S3
	}
	return Local
}

// ListInputFiles lists the job input files found at location.
// A file lists itself. A directory lists the regular files it contains,
// except for hidden files and files starting with "_" (such as _SUCCESS
// markers and _logs directories left by earlier jobs).
func ListInputFiles(fs FileSystem, location string) ([]FileInfo, error) {
	info, err := fs.Stat(location)
	if err != nil {
		return nil, err
	}
	if !info.IsDir {
		return []FileInfo{info}, nil
	}

	files, err := fs.ListFiles(fs.Join(location, "*"))
	if err != nil {
		return nil, err
	}

	inputs := make([]FileInfo, 0, len(files))
	for _, file := range files {
		if file.IsDir || isHidden(file.Name) {
			continue
		}
		inputs = append(inputs, file)
	}
	return inputs, nil
}

func isHidden(name string) bool {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	return strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_")
}
