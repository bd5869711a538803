package corfs

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/mattetti/filebuffer"
)

// defaultChunkSize is the size of each ranged GET issued by S3 readers.
const defaultChunkSize = 8 * 1024 * 1024

// ErrNoSuchObject is returned by Stat when no object or prefix matches.
var ErrNoSuchObject = errors.New("no such object")

// S3FileSystem reads and writes objects in S3. Paths take the form
// s3://bucket/key.
type S3FileSystem struct {
	s3Client  s3iface.S3API
	chunkSize int64
}

// NewS3FileSystem wraps an existing S3 client.
func NewS3FileSystem(client s3iface.S3API) *S3FileSystem {
	return &S3FileSystem{
		s3Client:  client,
		chunkSize: defaultChunkSize,
	}
}

func parseS3URI(uri string) (*url.URL, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "s3" {
		return nil, fmt.Errorf("invalid s3 uri %q", uri)
	}
	parsed.Path = strings.TrimPrefix(parsed.Path, "/")
	return parsed, nil
}

// ListFiles lists the objects matching pathGlob. Only the key portion of
// the glob may contain wildcards.
func (s *S3FileSystem) ListFiles(pathGlob string) ([]FileInfo, error) {
	s3Files := make([]FileInfo, 0)

	parsed, err := parseS3URI(pathGlob)
	if err != nil {
		return nil, err
	}

	baseURI := parsed.Path
	if hasGlob(parsed.Path) {
		base, _ := doublestar.SplitPattern(parsed.Path)
		if base == "." {
			baseURI = ""
		} else {
			baseURI = base + "/"
		}
	}

	params := &s3.ListObjectsInput{
		Bucket: aws.String(parsed.Host),
		Prefix: aws.String(baseURI),
	}

	err = s.s3Client.ListObjectsPages(params,
		func(page *s3.ListObjectsOutput, _ bool) bool {
			for _, object := range page.Contents {
				key := aws.StringValue(object.Key)
				if hasGlob(parsed.Path) {
					if match, _ := doublestar.Match(parsed.Path, key); !match {
						continue
					}
				}
				s3Files = append(s3Files, FileInfo{
					Name: fmt.Sprintf("s3://%s/%s", parsed.Host, key),
					Size: aws.Int64Value(object.Size),
				})
			}
			return true
		})

	return s3Files, err
}

func hasGlob(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

// OpenReader returns a reader over the object, starting startAt bytes in.
func (s *S3FileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	objStat, err := s.Stat(filePath)
	if err != nil {
		return nil, err
	}

	parsed, err := parseS3URI(filePath)
	if err != nil {
		return nil, err
	}

	reader := &s3Reader{
		client:    s.s3Client,
		bucket:    parsed.Host,
		key:       parsed.Path,
		offset:    startAt,
		chunkSize: s.chunkSize,
		totalSize: objStat.Size,
	}
	if startAt >= objStat.Size {
		return reader, nil
	}
	err = reader.loadNextChunk()
	return reader, err
}

// OpenWriter buffers written data and uploads it on Close.
func (s *S3FileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return nil, err
	}

	writer := &s3Writer{
		client: s.s3Client,
		bucket: parsed.Host,
		key:    parsed.Path,
		buf:    filebuffer.New(nil),
	}
	return writer, nil
}

// Stat returns information about the object at filePath. A path that only
// names a prefix of other objects is reported as a directory.
func (s *S3FileSystem) Stat(filePath string) (FileInfo, error) {
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return FileInfo{}, err
	}

	if parsed.Path != "" {
		head, err := s.s3Client.HeadObject(&s3.HeadObjectInput{
			Bucket: aws.String(parsed.Host),
			Key:    aws.String(parsed.Path),
		})
		if err == nil {
			return FileInfo{
				Name: filePath,
				Size: aws.Int64Value(head.ContentLength),
			}, nil
		}
		if aerr, ok := err.(awserr.Error); !ok || (aerr.Code() != "NotFound" && aerr.Code() != s3.ErrCodeNoSuchKey) {
			return FileInfo{}, err
		}
	}

	prefix := parsed.Path
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	result, err := s.s3Client.ListObjects(&s3.ListObjectsInput{
		Bucket:  aws.String(parsed.Host),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return FileInfo{}, err
	}
	if len(result.Contents) > 0 {
		return FileInfo{
			Name:  strings.TrimSuffix(filePath, "/"),
			IsDir: true,
		}, nil
	}

	return FileInfo{}, fmt.Errorf("%s: %w", filePath, ErrNoSuchObject)
}

// Init initializes the filesystem with an S3 client from the default
// AWS session. It is a no-op if a client was already provided.
func (s *S3FileSystem) Init() error {
	if s.chunkSize == 0 {
		s.chunkSize = defaultChunkSize
	}
	if s.s3Client != nil {
		return nil
	}

	os.Setenv("AWS_SDK_LOAD_CONFIG", "true")
	sess, err := session.NewSession()
	if err != nil {
		return err
	}
	s.s3Client = s3.New(sess)
	return nil
}

// Delete deletes the object at filePath.
func (s *S3FileSystem) Delete(filePath string) error {
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return err
	}

	_, err = s.s3Client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(parsed.Host),
		Key:    aws.String(parsed.Path),
	})
	return err
}

// Join joins file path elements with "/", keeping a trailing slash on the
// last element.
func (s *S3FileSystem) Join(elem ...string) string {
	stripped := make([]string, len(elem))
	for i, str := range elem {
		if strings.HasPrefix(str, "/") {
			str = str[1:]
		}
		if i != len(elem)-1 && strings.HasSuffix(str, "/") {
			str = str[:len(str)-1]
		}
		stripped[i] = str
	}
	return strings.Join(stripped, "/")
}
