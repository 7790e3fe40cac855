package wire

import (
	"bufio"
	"io"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Request is a parsed request head plus its body stream.
type Request struct {
	Method     string
	Target     string
	Proto      string
	ProtoMajor int
	ProtoMinor int
	Header     Header

	// ContentLength is the declared body size, 0 when the request has no
	// body and -1 when the body is chunked.
	ContentLength    int64
	Chunked          bool
	TransferEncoding []string

	// Close reports whether the client asked for the connection to be
	// closed after this exchange.
	Close bool

	// Body is read exactly once, never nil.
	Body io.Reader

	// RemoteAddr is the client's network address, set by the caller.
	RemoteAddr string

	chunked *chunkedReader
}

// ReadRequest reads one request head from br and frames its body. It returns
// io.EOF when the stream ends cleanly before a request starts, and an error
// matching ErrMalformed when the head or its framing is invalid.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	line, err := readLine(br)
	// Tolerate empty lines sent before the request line.
	for err == nil && line == "" {
		line, err = readLine(br)
	}
	if err != nil {
		return nil, err
	}

	req := &Request{Body: NoBody}

	var rest string
	var ok bool
	req.Method, rest, ok = strings.Cut(line, " ")
	if ok {
		req.Target, req.Proto, ok = strings.Cut(rest, " ")
	}
	if !ok || !validMethod(req.Method) || req.Target == "" || strings.ContainsAny(req.Target, " \t") {
		return nil, malformed("invalid request line %q", line)
	}
	if req.ProtoMajor, req.ProtoMinor, err = parseVersion(req.Proto); err != nil {
		return nil, err
	}

	if req.Header, err = readHeader(br); err != nil {
		return nil, err
	}

	if err := req.frame(br); err != nil {
		return nil, err
	}
	req.Close = wantsClose(req.ProtoMajor, req.ProtoMinor, req.Header)

	return req, nil
}

func (r *Request) frame(br *bufio.Reader) error {
	if r.Header.Has("Transfer-Encoding") {
		codings, chunked := transferCodings(r.Header)
		if !chunked {
			return malformed("request Transfer-Encoding %q does not end in chunked", strings.Join(codings, ", "))
		}
		if r.Header.Has("Content-Length") {
			return malformed("request carries both Transfer-Encoding and Content-Length")
		}
		r.Chunked = true
		r.TransferEncoding = codings
		r.ContentLength = -1
		r.chunked = newChunkedReader(br)
		r.Body = r.chunked
		return nil
	}

	n, err := contentLength(r.Header)
	if err != nil {
		return err
	}
	if n > 0 {
		r.ContentLength = n
		r.Body = &fixedReader{r: br, n: n}
	}
	return nil
}

func validMethod(method string) bool {
	if method == "" {
		return false
	}
	return httpguts.ValidHeaderFieldName(method)
}

// HasBody reports whether a body follows the head.
func (r *Request) HasBody() bool {
	return r.Chunked || r.ContentLength > 0
}

// ProtoAtLeast reports whether the request version is at least major.minor.
func (r *Request) ProtoAtLeast(major, minor int) bool {
	return r.ProtoMajor > major || r.ProtoMajor == major && r.ProtoMinor >= minor
}

// ExpectsContinue reports whether the client waits for 100 Continue before
// sending the body.
func (r *Request) ExpectsContinue() bool {
	return r.ProtoAtLeast(1, 1) && strings.EqualFold(r.Header.Get("Expect"), "100-continue")
}

// WantsUpgrade reports whether the client asked to switch protocols.
func (r *Request) WantsUpgrade() bool {
	return r.Header.HasToken("Connection", "upgrade") && r.Header.Has("Upgrade")
}

// Trailer returns the trailer fields of a chunked body once it was read to
// the end.
func (r *Request) Trailer() Header {
	if r.chunked == nil {
		return nil
	}
	return r.chunked.trailer
}

// OutboundHeader returns the header fields to send upstream: hop-by-hop
// fields removed, clientIP appended to X-Forwarded-For and chunked framing
// restated.
func (r *Request) OutboundHeader(clientIP string) Header {
	h := StripHopByHop(r.Header)
	if r.ExpectsContinue() {
		h.Del("Expect")
	}
	AppendForwardedFor(&h, clientIP)
	if r.Chunked {
		h.Add("Transfer-Encoding", strings.Join(r.TransferEncoding, ", "))
	}
	if r.WantsUpgrade() {
		h.Add("Connection", "Upgrade")
		h.Add("Upgrade", strings.Join(r.Header.Values("Upgrade"), ", "))
	}
	return h
}
