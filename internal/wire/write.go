package wire

import (
	"fmt"
	"io"
	"net/http"
)

// WriteRequestHead writes the request line of r followed by h and the blank
// line ending the head.
func WriteRequestHead(w io.Writer, r *Request, h Header) error {
	if _, err := fmt.Fprintf(w, "%s %s %s\r\n", r.Method, r.Target, r.Proto); err != nil {
		return err
	}
	return writeHeaderBlock(w, h)
}

// WriteResponseHead writes an HTTP/1.1 status line followed by h and the
// blank line ending the head. An empty reason is replaced by the standard
// status text.
func WriteResponseHead(w io.Writer, code int, reason string, h Header) error {
	if reason == "" {
		reason = http.StatusText(code)
	}
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %03d %s\r\n", code, reason); err != nil {
		return err
	}
	return writeHeaderBlock(w, h)
}

func writeHeaderBlock(w io.Writer, h Header) error {
	if err := h.Write(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
