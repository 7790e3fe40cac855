package wire

import (
	"bufio"
	"errors"
	"io"
	"net/http/httputil"
	"strconv"
	"strings"
)

// fixedReader yields exactly n bytes. A stream that ends early is reported as
// io.ErrUnexpectedEOF.
type fixedReader struct {
	r io.Reader
	n int64
}

func (f *fixedReader) Read(p []byte) (int, error) {
	if f.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > f.n {
		p = p[:f.n]
	}
	n, err := f.r.Read(p)
	f.n -= int64(n)
	if errors.Is(err, io.EOF) {
		if f.n > 0 {
			return n, io.ErrUnexpectedEOF
		}
		err = nil
	}
	if err == nil && f.n == 0 {
		err = io.EOF
	}
	return n, err
}

// chunkedReader decodes a chunked body and collects its trailer fields.
type chunkedReader struct {
	br      *bufio.Reader
	n       uint64
	started bool
	done    bool
	err     error
	trailer Header
}

func newChunkedReader(br *bufio.Reader) *chunkedReader {
	return &chunkedReader{br: br}
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	for c.n == 0 {
		if c.done {
			return 0, io.EOF
		}
		if c.started {
			if err := c.expectCRLF(); err != nil {
				return 0, c.fail(err)
			}
		}
		if err := c.nextChunk(); err != nil {
			return 0, c.fail(err)
		}
	}
	if uint64(len(p)) > c.n {
		p = p[:c.n]
	}
	n, err := c.br.Read(p)
	c.n -= uint64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return n, c.fail(err)
	}
	return n, nil
}

func (c *chunkedReader) nextChunk() error {
	line, err := readLine(c.br)
	if err != nil {
		return eofIsUnexpected(err)
	}
	c.started = true
	size, _, _ := strings.Cut(line, ";")
	size = strings.TrimRight(size, " \t")
	if size == "" {
		return malformed("empty chunk size")
	}
	c.n, err = strconv.ParseUint(size, 16, 63)
	if err != nil {
		return malformed("invalid chunk size %q", size)
	}
	if c.n == 0 {
		c.done = true
		if c.trailer, err = readHeader(c.br); err != nil {
			return eofIsUnexpected(err)
		}
	}
	return nil
}

func (c *chunkedReader) expectCRLF() error {
	line, err := readLine(c.br)
	if err != nil {
		return eofIsUnexpected(err)
	}
	if line != "" {
		return malformed("chunk data not followed by CRLF")
	}
	return nil
}

func (c *chunkedReader) fail(err error) error {
	c.err = err
	return err
}

func eofIsUnexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// BodyWriter writes a body with the framing chosen for the outbound message.
// With chunked framing every Write emits one chunk and Close terminates the
// body. Otherwise bytes pass through unchanged.
type BodyWriter struct {
	w       io.Writer
	chunked io.WriteCloser
	written int64
}

// NewBodyWriter returns a BodyWriter that frames writes to w.
func NewBodyWriter(w io.Writer, chunked bool) *BodyWriter {
	bw := &BodyWriter{w: w}
	if chunked {
		bw.chunked = httputil.NewChunkedWriter(w)
	}
	return bw
}

func (b *BodyWriter) Write(p []byte) (int, error) {
	var n int
	var err error
	if b.chunked != nil {
		n, err = b.chunked.Write(p)
	} else {
		n, err = b.w.Write(p)
	}
	b.written += int64(n)
	return n, err
}

// Written returns the number of body bytes written, excluding chunk framing.
func (b *BodyWriter) Written() int64 {
	return b.written
}

// Close ends a chunked body with the last chunk and the given trailer fields.
// It is a no-op for other framings.
func (b *BodyWriter) Close(trailer Header) error {
	if b.chunked == nil {
		return nil
	}
	// The chunked writer emits the zero-size chunk without its final CRLF.
	if err := b.chunked.Close(); err != nil {
		return err
	}
	if err := trailer.Write(b.w); err != nil {
		return err
	}
	_, err := io.WriteString(b.w, "\r\n")
	return err
}
