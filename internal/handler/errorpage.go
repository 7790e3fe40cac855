package handler

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/angeloszaimis/reverse-proxy/internal/wire"
)

var errorPage = template.Must(template.New("error").Parse(
	`<html><body><h1>{{.Code}} {{.Text}}</h1></body></html>`))

// writeError sends a synthetic response that ends the connection.
func (c *clientConn) writeError(code int, headOnly bool) {
	var body bytes.Buffer
	if err := errorPage.Execute(&body, struct {
		Code int
		Text string
	}{code, http.StatusText(code)}); err != nil {
		c.logger.Error("Failed to render error page", slog.Any("err", err))
		return
	}

	h := wire.Header{
		{Name: "Content-Type", Value: "text/html; charset=utf-8"},
		{Name: "Content-Length", Value: strconv.Itoa(body.Len())},
		{Name: "Connection", Value: "close"},
		{Name: "X-Trace-Id", Value: c.traceID},
	}
	c.wroteHead = true
	if err := wire.WriteResponseHead(c.bw, code, "", h); err != nil {
		return
	}
	if !headOnly {
		if _, err := body.WriteTo(c.bw); err != nil {
			return
		}
	}
	if err := c.bw.Flush(); err != nil {
		c.logger.Debug("Could not deliver error response",
			slog.String("trace_id", c.traceID),
			slog.Int("status", code),
			slog.Any("err", err))
	}
}
