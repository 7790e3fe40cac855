package wire

import (
	"bufio"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Response is a parsed response head plus its body stream.
type Response struct {
	Proto      string
	ProtoMajor int
	ProtoMinor int
	StatusCode int
	Reason     string
	Header     Header

	// ContentLength is the declared body size, or -1 when the body is
	// chunked or delimited by the end of the connection.
	ContentLength    int64
	Chunked          bool
	TransferEncoding []string

	// Close reports whether the connection cannot carry another exchange
	// after this response.
	Close bool

	// UntilClose reports whether the body ends when the connection closes.
	UntilClose bool

	// Body is read exactly once, never nil.
	Body io.Reader

	chunked *chunkedReader
}

// ReadResponse reads one response head from br and frames its body. method
// is the method of the request being answered, needed to tell whether a body
// follows.
func ReadResponse(br *bufio.Reader, method string) (*Response, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, err
	}

	resp := &Response{Body: NoBody}

	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, malformed("invalid status line %q", line)
	}
	resp.Proto = proto
	if resp.ProtoMajor, resp.ProtoMinor, err = parseVersion(proto); err != nil {
		return nil, err
	}
	code, reason, _ := strings.Cut(rest, " ")
	if len(code) != 3 || strings.TrimLeft(code, "0123456789") != "" {
		return nil, malformed("invalid status code %q", code)
	}
	resp.StatusCode, _ = strconv.Atoi(code)
	if resp.StatusCode < 100 {
		return nil, malformed("invalid status code %q", code)
	}
	resp.Reason = reason

	if resp.Header, err = readHeader(br); err != nil {
		return nil, err
	}

	if err := resp.frame(br, method); err != nil {
		return nil, err
	}
	if wantsClose(resp.ProtoMajor, resp.ProtoMinor, resp.Header) {
		resp.Close = true
	}
	return resp, nil
}

func (r *Response) frame(br *bufio.Reader, method string) error {
	if !bodyAllowed(r.StatusCode, method) {
		return nil
	}

	if r.Header.Has("Transfer-Encoding") {
		codings, chunked := transferCodings(r.Header)
		r.TransferEncoding = codings
		r.ContentLength = -1
		// Content-Length is meaningless once Transfer-Encoding is present.
		r.Header.Del("Content-Length")
		if chunked {
			r.Chunked = true
			r.chunked = newChunkedReader(br)
			r.Body = r.chunked
			return nil
		}
		r.untilClose(br)
		return nil
	}

	n, err := contentLength(r.Header)
	if err != nil {
		return err
	}
	if n < 0 {
		r.ContentLength = -1
		r.untilClose(br)
		return nil
	}
	r.ContentLength = n
	if n > 0 {
		r.Body = &fixedReader{r: br, n: n}
	}
	return nil
}

func (r *Response) untilClose(br *bufio.Reader) {
	r.UntilClose = true
	r.Close = true
	r.Body = br
}

func bodyAllowed(status int, method string) bool {
	switch {
	case method == http.MethodHead:
		return false
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// HasBody reports whether a body follows the head.
func (r *Response) HasBody() bool {
	return r.Chunked || r.UntilClose || r.ContentLength > 0
}

// Trailer returns the trailer fields of a chunked body once it was read to
// the end.
func (r *Response) Trailer() Header {
	if r.chunked == nil {
		return nil
	}
	return r.chunked.trailer
}
