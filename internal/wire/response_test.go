package wire_test

import (
	"bytes"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/reverse-proxy/internal/wire"
)

var _ = Describe("ReadResponse", func() {
	It("should parse the status line and a Content-Length body", func() {
		br := readerFor("HTTP/1.1 201 Created\r\nContent-Length: 2\r\nX-A: 1\r\n\r\nokHTTP/1.1 204 No Content\r\n\r\n")

		resp, err := wire.ReadResponse(br, http.MethodPost)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(201))
		Expect(resp.Reason).To(Equal("Created"))
		Expect(resp.Close).To(BeFalse())
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(Equal("ok"))

		next, err := wire.ReadResponse(br, http.MethodGet)
		Expect(err).NotTo(HaveOccurred())
		Expect(next.StatusCode).To(Equal(204))
		Expect(next.HasBody()).To(BeFalse())
	})

	It("should accept a status line without a reason", func() {
		resp, err := wire.ReadResponse(readerFor("HTTP/1.1 299\r\nContent-Length: 0\r\n\r\n"), http.MethodGet)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(299))
		Expect(resp.Reason).To(BeEmpty())
	})

	It("should decode a chunked body", func() {
		resp, err := wire.ReadResponse(readerFor("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nabcd\r\n0\r\nX-T: 1\r\n\r\n"), http.MethodGet)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Chunked).To(BeTrue())
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(Equal("abcd"))
		Expect(resp.Trailer().Get("X-T")).To(Equal("1"))
	})

	It("should drop Content-Length when Transfer-Encoding is present", func() {
		resp, err := wire.ReadResponse(readerFor("HTTP/1.1 200 OK\r\nContent-Length: 99\r\nTransfer-Encoding: chunked\r\n\r\n0\r\n\r\n"), http.MethodGet)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Header.Has("Content-Length")).To(BeFalse())
	})

	It("should read until close without framing", func() {
		resp, err := wire.ReadResponse(readerFor("HTTP/1.1 200 OK\r\n\r\nstreamed to the end"), http.MethodGet)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.UntilClose).To(BeTrue())
		Expect(resp.Close).To(BeTrue())
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(Equal("streamed to the end"))
	})

	DescribeTable("responses without a body",
		func(raw, method string) {
			resp, err := wire.ReadResponse(readerFor(raw), method)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.HasBody()).To(BeFalse())
			Expect(resp.Close).To(BeFalse())
		},
		Entry("HEAD with Content-Length", "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n", http.MethodHead),
		Entry("204", "HTTP/1.1 204 No Content\r\n\r\n", http.MethodGet),
		Entry("304", "HTTP/1.1 304 Not Modified\r\n\r\n", http.MethodGet),
		Entry("100", "HTTP/1.1 100 Continue\r\n\r\n", http.MethodPost),
	)

	It("should honour Connection: close", func() {
		resp, err := wire.ReadResponse(readerFor("HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"), http.MethodGet)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Close).To(BeTrue())
	})

	DescribeTable("malformed responses",
		func(raw string) {
			_, err := wire.ReadResponse(readerFor(raw), http.MethodGet)
			Expect(err).To(MatchError(wire.ErrMalformed))
		},
		Entry("not HTTP", "SSH-2.0-OpenSSH\r\n\r\n"),
		Entry("short status code", "HTTP/1.1 20 OK\r\n\r\n"),
		Entry("non-numeric status code", "HTTP/1.1 abc OK\r\n\r\n"),
		Entry("status code below 100", "HTTP/1.1 099 Odd\r\n\r\n"),
		Entry("bad Content-Length", "HTTP/1.1 200 OK\r\nContent-Length: 1x\r\n\r\n"),
	)

	It("should report an empty stream as io.EOF", func() {
		_, err := wire.ReadResponse(readerFor(""), http.MethodGet)
		Expect(err).To(Equal(io.EOF))
	})
})

var _ = Describe("WriteResponseHead", func() {
	It("should fall back to the standard reason phrase", func() {
		var buf bytes.Buffer
		Expect(wire.WriteResponseHead(&buf, 404, "", wire.Header{{Name: "Content-Length", Value: "0"}})).To(Succeed())
		Expect(buf.String()).To(Equal("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"))
	})

	It("should keep a custom reason phrase", func() {
		var buf bytes.Buffer
		Expect(wire.WriteResponseHead(&buf, 200, "Fine", nil)).To(Succeed())
		Expect(buf.String()).To(Equal("HTTP/1.1 200 Fine\r\n\r\n"))
	})
})

var _ = Describe("BodyWriter", func() {
	It("should pass bytes through without chunking", func() {
		var buf bytes.Buffer
		w := wire.NewBodyWriter(&buf, false)
		_, err := w.Write([]byte("hello"))
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Close(nil)).To(Succeed())
		Expect(buf.String()).To(Equal("hello"))
		Expect(w.Written()).To(Equal(int64(5)))
	})

	It("should frame chunks and write the trailer", func() {
		var buf bytes.Buffer
		w := wire.NewBodyWriter(&buf, true)
		_, err := w.Write([]byte("hello"))
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Close(wire.Header{{Name: "X-T", Value: "1"}})).To(Succeed())
		Expect(buf.String()).To(Equal("5\r\nhello\r\n0\r\nX-T: 1\r\n\r\n"))
		Expect(w.Written()).To(Equal(int64(5)))
	})

	It("should produce output the chunked reader accepts", func() {
		var buf bytes.Buffer
		buf.WriteString("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n")
		w := wire.NewBodyWriter(&buf, true)
		payload := bytes.Repeat([]byte("x"), 40000)
		_, err := w.Write(payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Close(nil)).To(Succeed())

		resp, err := wire.ReadResponse(readerFor(buf.String()), http.MethodGet)
		Expect(err).NotTo(HaveOccurred())
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(body).To(Equal(payload))
	})
})
