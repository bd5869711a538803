package corstream

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrClosed is returned by reads on a closed ConcatReader.
	ErrClosed = errors.New("corstream: read on closed reader")
	// ErrSeekUnsupported is returned for any seek other than a forward,
	// relative one. ConcatReader cannot rewind.
	ErrSeekUnsupported = errors.New("corstream: only forward relative seeks are supported")
)

// Source describes one byte source of a ConcatReader.
// Size is the number of bytes the reader will take from the source.
type Source struct {
	Name string
	Size int64
}

// OpenFunc opens the named source positioned at offset.
// corfs.FileSystem.OpenReader satisfies it.
type OpenFunc func(name string, offset int64) (io.ReadCloser, error)

// ConcatReader presents an ordered list of sources as a single stream.
// Sources are opened lazily: only when bytes have to be read from them.
// A ConcatReader is not safe for concurrent use.
type ConcatReader struct {
	sources []Source
	open    OpenFunc

	index   int           // index of the current source, -1 before the first
	offset  int64         // cursor position within the current source
	current io.ReadCloser // open reader for sources[index], if any
	pos     int64         // cursor position within the whole stream
	closed  bool
}

// NewConcatReader initializes a ConcatReader over sources.
func NewConcatReader(sources []Source, open OpenFunc) *ConcatReader {
	return &ConcatReader{
		sources: sources,
		open:    open,
		index:   -1,
	}
}

// Size returns the combined size of all sources.
func (c *ConcatReader) Size() int64 {
	var total int64
	for _, s := range c.sources {
		total += s.Size
	}
	return total
}

func (c *ConcatReader) remaining() int64 {
	if c.index < 0 || c.index >= len(c.sources) {
		return 0
	}
	return c.sources[c.index].Size - c.offset
}

// advance closes the current source and moves the cursor to the start of the
// next one. It returns false once every source has been passed.
func (c *ConcatReader) advance() (bool, error) {
	var err error
	if c.current != nil {
		err = c.current.Close()
		c.current = nil
	}
	if c.index < len(c.sources) {
		c.index++
	}
	c.offset = 0
	return c.index < len(c.sources), err
}

func (c *ConcatReader) ensureOpen() error {
	if c.current != nil {
		return nil
	}
	src := c.sources[c.index]
	r, err := c.open(src.Name, c.offset)
	if err != nil {
		return fmt.Errorf("corstream: open %s: %w", src.Name, err)
	}
	c.current = r
	return nil
}

// Read reads from the current source, moving on to the next source when it
// is exhausted. io.EOF is returned only after the last source.
func (c *ConcatReader) Read(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	for c.remaining() <= 0 {
		more, err := c.advance()
		if err != nil {
			return 0, err
		}
		if !more {
			return 0, io.EOF
		}
	}

	if err := c.ensureOpen(); err != nil {
		return 0, err
	}

	if rem := c.remaining(); int64(len(p)) > rem {
		p = p[:rem]
	}
	n, err := c.current.Read(p)
	c.offset += int64(n)
	c.pos += int64(n)

	if err == io.EOF {
		if c.remaining() > 0 {
			return n, fmt.Errorf("corstream: %s ended %d bytes early: %w",
				c.sources[c.index].Name, c.remaining(), io.ErrUnexpectedEOF)
		}
		// The source is exhausted; the next Read moves on.
		err = nil
	}
	return n, err
}

// Skip advances the cursor by up to n bytes and returns the number of bytes
// skipped. Sources that are skipped entirely are never opened. A skip that
// ends inside a source which is not open yet only records the offset.
func (c *ConcatReader) Skip(n int64) (int64, error) {
	if c.closed {
		return 0, ErrClosed
	}

	var skipped int64
	for n > 0 {
		rem := c.remaining()
		if rem <= 0 {
			more, err := c.advance()
			if err != nil {
				return skipped, err
			}
			if !more {
				break
			}
			continue
		}

		if n < rem {
			if c.current != nil {
				d, err := io.CopyN(io.Discard, c.current, n)
				c.offset += d
				c.pos += d
				skipped += d
				return skipped, err
			}
			c.offset += n
			c.pos += n
			skipped += n
			return skipped, nil
		}

		// The whole rest of this source is skipped.
		c.offset += rem
		c.pos += rem
		skipped += rem
		n -= rem
	}
	return skipped, nil
}

// Seek implements io.Seeker for forward relative seeks only.
func (c *ConcatReader) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekCurrent || offset < 0 {
		return c.pos, ErrSeekUnsupported
	}
	_, err := c.Skip(offset)
	return c.pos, err
}

// Close releases the currently open source, if any.
func (c *ConcatReader) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.current == nil {
		return nil
	}
	err := c.current.Close()
	c.current = nil
	return err
}
