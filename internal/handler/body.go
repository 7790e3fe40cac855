package handler

import (
	"errors"
	"io"
)

// clientBody is the request body as the forwarder sees it. It answers
// Expect: 100-continue on first use and counts the bytes read.
type clientBody struct {
	c              *clientConn
	r              io.Reader
	expectContinue bool

	n       int64
	started bool
	done    bool
}

func (b *clientBody) Read(p []byte) (int, error) {
	if !b.started {
		b.started = true
		if b.expectContinue {
			if _, err := b.c.bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
				return 0, err
			}
			if err := b.c.bw.Flush(); err != nil {
				return 0, err
			}
		}
	}
	if b.done {
		return 0, io.EOF
	}

	n, err := b.r.Read(p)
	b.n += int64(n)
	if errors.Is(err, io.EOF) {
		b.done = true
	}
	return n, err
}

// drain discards what is left of the body so the next request can be read.
// It reports whether the body ended within the limit.
func (b *clientBody) drain() bool {
	if b.done {
		return true
	}
	// The client holds the body back until it is told to continue.
	if b.expectContinue && !b.started {
		return false
	}
	_, _ = io.CopyN(io.Discard, b, maxDrainBytes)
	return b.done
}
