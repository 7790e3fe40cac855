package wire

import (
	"io"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/golang/gddo/httputil/header"
)

// Field is a single header line.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields. Duplicate names are allowed and
// keep their relative order.
type Header []Field

// Get returns the value of the first field called name, ignoring case.
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns the values of every field called name, in order.
func (h Header) Values(name string) []string {
	var values []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

// Has reports whether at least one field is called name.
func (h Header) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Add appends a field.
func (h *Header) Add(name, value string) {
	*h = append(*h, Field{Name: name, Value: value})
}

// Del removes every field called name.
func (h *Header) Del(name string) {
	kept := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	*h = kept
}

// Clone returns a copy that shares no storage with h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	copy(out, h)
	return out
}

// Tokens returns the comma separated list elements of every field called
// name. Quoted commas are not treated as separators.
func (h Header) Tokens(name string) []string {
	values := h.Values(name)
	if len(values) == 0 {
		return nil
	}
	key := textproto.CanonicalMIMEHeaderKey(name)
	return header.ParseList(http.Header{key: values}, key)
}

// HasToken reports whether the list header name contains token, ignoring case.
func (h Header) HasToken(name, token string) bool {
	for _, t := range h.Tokens(name) {
		if strings.EqualFold(t, token) {
			return true
		}
	}
	return false
}

// Write writes the fields in wire format without the terminating blank line.
func (h Header) Write(w io.Writer) error {
	for _, f := range h {
		if _, err := io.WriteString(w, f.Name+": "+f.Value+"\r\n"); err != nil {
			return err
		}
	}
	return nil
}

var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func isHopByHop(name string, connectionTokens []string) bool {
	for _, hop := range hopByHopHeaders {
		if strings.EqualFold(name, hop) {
			return true
		}
	}
	for _, token := range connectionTokens {
		if strings.EqualFold(name, token) {
			return true
		}
	}
	return false
}

// StripHopByHop returns a copy of h without the hop-by-hop fields, including
// every field named by a Connection token.
func StripHopByHop(h Header) Header {
	named := h.Tokens("Connection")
	out := make(Header, 0, len(h))
	for _, f := range h {
		if !isHopByHop(f.Name, named) {
			out = append(out, f)
		}
	}
	return out
}

// AppendForwardedFor folds every X-Forwarded-For field into one and appends
// clientIP to the chain.
func AppendForwardedFor(h *Header, clientIP string) {
	if clientIP == "" {
		return
	}
	chain := h.Values("X-Forwarded-For")
	h.Del("X-Forwarded-For")
	chain = append(chain, clientIP)
	h.Add("X-Forwarded-For", strings.Join(chain, ", "))
}
