package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// ErrMalformed is returned for messages that violate HTTP/1.x syntax or
// framing rules.
var ErrMalformed = errors.New("malformed HTTP message")

// MaxHeaderFields bounds the number of fields accepted in one header block.
const MaxHeaderFields = 128

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// readLine returns the next line without its line terminator. A line that
// does not fit into br's buffer is malformed. io.EOF is returned only when no
// byte of the line was read.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return "", malformed("line exceeds %d bytes", br.Size())
	}
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	line = bytes.TrimSuffix(line[:len(line)-1], []byte{'\r'})
	return string(line), nil
}

func readHeader(br *bufio.Reader) (Header, error) {
	var h Header
	for {
		line, err := readLine(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if line == "" {
			return h, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, malformed("obsolete header line folding")
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !httpguts.ValidHeaderFieldName(name) {
			return nil, malformed("invalid header line %q", line)
		}
		value = strings.Trim(value, " \t")
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, malformed("invalid value for header %q", name)
		}
		if len(h) >= MaxHeaderFields {
			return nil, malformed("more than %d header fields", MaxHeaderFields)
		}
		h = append(h, Field{Name: name, Value: value})
	}
}

func parseVersion(proto string) (major, minor int, err error) {
	if len(proto) != len("HTTP/1.1") || !strings.HasPrefix(proto, "HTTP/") || proto[6] != '.' {
		return 0, 0, malformed("invalid protocol version %q", proto)
	}
	major, minor = int(proto[5]-'0'), int(proto[7]-'0')
	if major != 1 || minor < 0 || minor > 9 {
		return 0, 0, malformed("unsupported protocol version %q", proto)
	}
	return major, minor, nil
}

// contentLength returns the value of Content-Length, or -1 when absent.
// Repeated fields (or a list) are accepted only when every value agrees.
func contentLength(h Header) (int64, error) {
	if !h.Has("Content-Length") {
		return -1, nil
	}
	values := h.Tokens("Content-Length")
	if len(values) == 0 {
		return 0, malformed("empty Content-Length")
	}
	n := int64(-1)
	for _, v := range values {
		if v == "" || strings.TrimLeft(v, "0123456789") != "" {
			return 0, malformed("invalid Content-Length %q", v)
		}
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, malformed("invalid Content-Length %q", v)
		}
		if n >= 0 && parsed != n {
			return 0, malformed("conflicting Content-Length values")
		}
		n = parsed
	}
	return n, nil
}

// transferCodings returns the Transfer-Encoding codings and whether the
// final one is chunked.
func transferCodings(h Header) ([]string, bool) {
	codings := h.Tokens("Transfer-Encoding")
	if len(codings) == 0 {
		return nil, false
	}
	return codings, strings.EqualFold(codings[len(codings)-1], "chunked")
}

func wantsClose(major, minor int, h Header) bool {
	if h.HasToken("Connection", "close") {
		return true
	}
	if major == 1 && minor == 0 {
		return !h.HasToken("Connection", "keep-alive")
	}
	return false
}

type noBody struct{}

func (noBody) Read([]byte) (int, error) { return 0, io.EOF }

// NoBody is an empty body.
var NoBody io.Reader = noBody{}
