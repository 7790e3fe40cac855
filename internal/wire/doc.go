// Package wire implements the HTTP/1.x message codec used by the proxy.
//
// Unlike net/http it keeps header fields as an ordered list exactly as they
// were received, exposes body framing (Content-Length, chunked or
// read-until-close) to the caller, and never buffers a body: request and
// response bodies are single-pass readers over the connection's bufio.Reader.
package wire
