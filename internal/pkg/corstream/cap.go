package corstream

import "io"

// CapReader delivers at most a fixed number of bytes from an underlying
// reader, counted across the reader's whole lifetime. Once the cap is reached
// every Read and ReadByte returns io.EOF.
type CapReader struct {
	r         io.Reader
	remaining int64
	count     int64
	done      bool
}

// NewCapReader wraps r so that at most max bytes are delivered.
// A negative max behaves as zero.
func NewCapReader(r io.Reader, max int64) *CapReader {
	if max < 0 {
		max = 0
	}
	return &CapReader{r: r, remaining: max}
}

func (c *CapReader) Read(p []byte) (int, error) {
	if c.done || c.remaining <= 0 {
		c.done = true
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}

	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	c.count += int64(n)
	if err == io.EOF {
		c.done = true
		if n > 0 {
			// Report the data now and the end on the next call.
			err = nil
		}
	}
	return n, err
}

// maxConsecutiveEmptyReads bounds how many (0, nil) reads ReadByte tolerates.
const maxConsecutiveEmptyReads = 100

// ReadByte implements io.ByteReader with the same end-of-stream contract as
// Read.
func (c *CapReader) ReadByte() (byte, error) {
	var b [1]byte
	for i := 0; i < maxConsecutiveEmptyReads; i++ {
		n, err := c.Read(b[:])
		if n == 1 {
			return b[0], nil
		}
		if err != nil {
			return 0, err
		}
	}
	return 0, io.ErrNoProgress
}

// Count returns the number of bytes delivered so far.
func (c *CapReader) Count() int64 {
	return c.count
}

// Close closes the underlying reader if it is an io.Closer.
func (c *CapReader) Close() error {
	if closer, ok := c.r.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
