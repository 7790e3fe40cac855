package forwarder_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/reverse-proxy/internal/forwarder"
	"github.com/angeloszaimis/reverse-proxy/internal/timeout"
	"github.com/angeloszaimis/reverse-proxy/internal/upstream"
)

func targetFor(addr string) *upstream.Target {
	host, portStr, err := net.SplitHostPort(addr)
	Expect(err).NotTo(HaveOccurred())
	port, err := strconv.Atoi(portStr)
	Expect(err).NotTo(HaveOccurred())
	return upstream.New(host, port)
}

// rawUpstream accepts connections and runs serve on each.
func rawUpstream(serve func(net.Conn)) net.Listener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serve(c)
		}
	}()
	return ln
}

// readHead consumes a request head from br.
func readHead(br *bufio.Reader) {
	for {
		line, err := br.ReadString('\n')
		if err != nil || line == "\r\n" {
			return
		}
	}
}

var _ = Describe("Forwarder", func() {
	var (
		fwd      *forwarder.Forwarder
		reporter *recordingReporter
		tm       *timeout.Manager
		logger   *slog.Logger
		opts     forwarder.Options
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		reporter = &recordingReporter{}
		tm = timeout.NewManager(timeout.Deadlines{
			Connect:  200 * time.Millisecond,
			Header:   300 * time.Millisecond,
			IdleBody: 300 * time.Millisecond,
		})
		opts = forwarder.Options{MaxConnsPerTarget: 10, MaxIdlePerTarget: 4}
	})

	JustBeforeEach(func() {
		fwd = forwarder.New(tm, reporter, opts, logger)
	})

	AfterEach(func() {
		Expect(fwd.Close()).To(Succeed())
	})

	Context("with a healthy upstream", func() {
		var (
			server   *httptest.Server
			target   *upstream.Target
			newConns atomic.Int32
			seen     chan *http.Request
			bodies   chan string
		)

		BeforeEach(func() {
			newConns.Store(0)
			seen = make(chan *http.Request, 10)
			bodies = make(chan string, 10)
			server = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				seen <- r
				bodies <- string(body)
				w.Header().Set("X-Upstream", "a")
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte("response:" + string(body)))
			}))
			server.Config.ConnState = func(_ net.Conn, state http.ConnState) {
				if state == http.StateNew {
					newConns.Add(1)
				}
			}
			server.Start()
			target = targetFor(server.Listener.Addr().String())
		})

		AfterEach(func() {
			server.Close()
		})

		It("should return the upstream status, headers and body", func() {
			resp, err := fwd.Forward(context.Background(), parseRequest("GET /a?b=c HTTP/1.1\r\nHost: example\r\n\r\n"), target)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(resp.Header.Get("X-Upstream")).To(Equal("a"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("response:"))

			r := <-seen
			Expect(r.URL.RequestURI()).To(Equal("/a?b=c"))
			Expect(r.Host).To(Equal("example"))
			Expect(reporter.Outcomes()).To(Equal([]bool{true}))
			Expect(target.EWMATime()).To(BeNumerically(">", 0))
		})

		It("should rewrite hop-by-hop headers and extend X-Forwarded-For", func() {
			resp, err := fwd.Forward(context.Background(), parseRequest(
				"GET / HTTP/1.1\r\nHost: example\r\nConnection: keep-alive, X-Secret\r\nX-Secret: 1\r\nKeep-Alive: timeout=5\r\nX-Forwarded-For: 1.1.1.1\r\nX-Kept: yes\r\n\r\n"), target)
			Expect(err).NotTo(HaveOccurred())
			_, _ = io.ReadAll(resp.Body)
			Expect(resp.Close()).To(Succeed())

			r := <-seen
			Expect(r.Header.Get("X-Secret")).To(BeEmpty())
			Expect(r.Header.Get("Keep-Alive")).To(BeEmpty())
			Expect(r.Header.Get("X-Kept")).To(Equal("yes"))
			Expect(r.Header.Get("X-Forwarded-For")).To(Equal("1.1.1.1, 10.1.2.3"))
		})

		It("should stream a Content-Length body", func() {
			resp, err := fwd.Forward(context.Background(), parseRequest("POST /echo HTTP/1.1\r\nHost: e\r\nContent-Length: 5\r\n\r\nhello"), target)
			Expect(err).NotTo(HaveOccurred())
			body, _ := io.ReadAll(resp.Body)
			Expect(resp.Close()).To(Succeed())

			Expect(<-bodies).To(Equal("hello"))
			Expect(string(body)).To(Equal("response:hello"))
			Expect((<-seen).ContentLength).To(Equal(int64(5)))
		})

		It("should re-encode a chunked body as chunked", func() {
			resp, err := fwd.Forward(context.Background(), parseRequest(
				"POST /echo HTTP/1.1\r\nHost: e\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n2\r\nde\r\n0\r\n\r\n"), target)
			Expect(err).NotTo(HaveOccurred())
			_, _ = io.ReadAll(resp.Body)
			Expect(resp.Close()).To(Succeed())

			Expect(<-bodies).To(Equal("abcde"))
			Expect((<-seen).TransferEncoding).To(Equal([]string{"chunked"}))
		})

		It("should reuse the connection once the body was read", func() {
			for i := 0; i < 3; i++ {
				resp, err := fwd.Forward(context.Background(), parseRequest("GET / HTTP/1.1\r\nHost: e\r\n\r\n"), target)
				Expect(err).NotTo(HaveOccurred())
				_, err = io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.Close()).To(Succeed())
				Expect(fwd.IdleConns(target)).To(Equal(1))
			}
			Expect(newConns.Load()).To(Equal(int32(1)))
		})

		It("should not reuse a connection whose body was abandoned", func() {
			resp, err := fwd.Forward(context.Background(), parseRequest("GET / HTTP/1.1\r\nHost: e\r\n\r\n"), target)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Close()).To(Succeed())
			Expect(fwd.IdleConns(target)).To(Equal(0))
		})

		It("should not reuse a connection for an HTTP/1.0 client", func() {
			resp, err := fwd.Forward(context.Background(), parseRequest("GET / HTTP/1.0\r\nHost: e\r\n\r\n"), target)
			Expect(err).NotTo(HaveOccurred())
			_, _ = io.ReadAll(resp.Body)
			Expect(resp.Close()).To(Succeed())
			Expect(fwd.IdleConns(target)).To(Equal(0))
		})

		It("should skip an idle connection the upstream closed", func() {
			resp, err := fwd.Forward(context.Background(), parseRequest("GET / HTTP/1.1\r\nHost: e\r\n\r\n"), target)
			Expect(err).NotTo(HaveOccurred())
			_, _ = io.ReadAll(resp.Body)
			Expect(resp.Close()).To(Succeed())

			server.CloseClientConnections()
			time.Sleep(50 * time.Millisecond)

			resp, err = fwd.Forward(context.Background(), parseRequest("GET / HTTP/1.1\r\nHost: e\r\n\r\n"), target)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			_, _ = io.ReadAll(resp.Body)
			Expect(resp.Close()).To(Succeed())
			Expect(reporter.Outcomes()).To(Equal([]bool{true, true}))
		})
	})

	Context("when the upstream cannot be reached", func() {
		It("should return a ConnectError and report the failure", func() {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			target := targetFor(ln.Addr().String())
			Expect(ln.Close()).To(Succeed())

			_, err = fwd.Forward(context.Background(), parseRequest("GET / HTTP/1.1\r\n\r\n"), target)
			var cerr *forwarder.ConnectError
			Expect(errors.As(err, &cerr)).To(BeTrue())
			Expect(cerr.Op).To(Equal("dial"))
			Expect(reporter.Outcomes()).To(Equal([]bool{false}))
		})
	})

	Context("when every concurrency slot is taken", func() {
		BeforeEach(func() {
			opts.MaxConnsPerTarget = 1
		})

		It("should give up after the connect budget without reporting the upstream", func() {
			ln := rawUpstream(func(c net.Conn) {
				br := bufio.NewReader(c)
				readHead(br)
				_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\n")
			})
			defer ln.Close()
			target := targetFor(ln.Addr().String())

			held, err := fwd.Forward(context.Background(), parseRequest("GET / HTTP/1.1\r\n\r\n"), target)
			Expect(err).NotTo(HaveOccurred())
			defer held.Close()

			start := time.Now()
			_, err = fwd.Forward(context.Background(), parseRequest("GET / HTTP/1.1\r\n\r\n"), target)
			var cerr *forwarder.ConnectError
			Expect(errors.As(err, &cerr)).To(BeTrue())
			Expect(cerr.Op).To(Equal("acquire"))
			Expect(errors.Is(err, timeout.ErrTimeoutExceeded)).To(BeTrue())
			Expect(time.Since(start)).To(BeNumerically(">=", 200*time.Millisecond))
			Expect(reporter.Outcomes()).To(Equal([]bool{true}))
		})
	})

	Context("when the upstream does not answer in time", func() {
		It("should return a header timeout and report the failure", func() {
			ln := rawUpstream(func(c net.Conn) {
				readHead(bufio.NewReader(c))
				time.Sleep(time.Second)
				c.Close()
			})
			defer ln.Close()

			start := time.Now()
			_, err := fwd.Forward(context.Background(), parseRequest("GET /slow HTTP/1.1\r\n\r\n"), targetFor(ln.Addr().String()))
			var terr *timeout.Error
			Expect(errors.As(err, &terr)).To(BeTrue())
			Expect(terr.Phase).To(Equal(timeout.PhaseHeader))
			Expect(time.Since(start)).To(BeNumerically("~", 300*time.Millisecond, 150*time.Millisecond))
			Expect(reporter.Outcomes()).To(Equal([]bool{false}))
		})
	})

	Context("when the upstream violates the protocol", func() {
		It("should return a ProtocolError", func() {
			ln := rawUpstream(func(c net.Conn) {
				readHead(bufio.NewReader(c))
				_, _ = io.WriteString(c, "garbage\r\n\r\n")
				c.Close()
			})
			defer ln.Close()

			_, err := fwd.Forward(context.Background(), parseRequest("GET / HTTP/1.1\r\n\r\n"), targetFor(ln.Addr().String()))
			var perr *forwarder.ProtocolError
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(reporter.Outcomes()).To(Equal([]bool{false}))
		})
	})

	Context("when the upstream sends interim responses", func() {
		It("should skip them and return the final response", func() {
			ln := rawUpstream(func(c net.Conn) {
				readHead(bufio.NewReader(c))
				_, _ = io.WriteString(c, "HTTP/1.1 103 Early Hints\r\nLink: </a.css>\r\n\r\nHTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
			})
			defer ln.Close()

			resp, err := fwd.Forward(context.Background(), parseRequest("GET / HTTP/1.1\r\n\r\n"), targetFor(ln.Addr().String()))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Context("when the body fails mid-stream", func() {
		It("should return a MidStreamError from the body and report the failure", func() {
			ln := rawUpstream(func(c net.Conn) {
				readHead(bufio.NewReader(c))
				_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nonly ten b")
				c.Close()
			})
			defer ln.Close()

			resp, err := fwd.Forward(context.Background(), parseRequest("GET / HTTP/1.1\r\n\r\n"), targetFor(ln.Addr().String()))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Close()

			body, err := io.ReadAll(resp.Body)
			Expect(string(body)).To(Equal("only ten b"))
			var merr *forwarder.MidStreamError
			Expect(errors.As(err, &merr)).To(BeTrue())
			Expect(reporter.Outcomes()).To(Equal([]bool{true, false}))
		})

		It("should report a stalled body as an idle timeout", func() {
			ln := rawUpstream(func(c net.Conn) {
				readHead(bufio.NewReader(c))
				_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nstart")
				time.Sleep(time.Second)
				c.Close()
			})
			defer ln.Close()

			resp, err := fwd.Forward(context.Background(), parseRequest("GET / HTTP/1.1\r\n\r\n"), targetFor(ln.Addr().String()))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Close()

			_, err = io.ReadAll(resp.Body)
			Expect(errors.Is(err, timeout.ErrTimeoutExceeded)).To(BeTrue())
			var merr *forwarder.MidStreamError
			Expect(errors.As(err, &merr)).To(BeTrue())
		})

		It("should not blame the upstream when the request is cancelled", func() {
			ln := rawUpstream(func(c net.Conn) {
				readHead(bufio.NewReader(c))
				_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nstart")
				time.Sleep(time.Second)
				c.Close()
			})
			defer ln.Close()

			ctx, cancel := context.WithCancel(context.Background())
			resp, err := fwd.Forward(ctx, parseRequest("GET / HTTP/1.1\r\n\r\n"), targetFor(ln.Addr().String()))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Close()

			time.AfterFunc(50*time.Millisecond, cancel)
			_, err = io.ReadAll(resp.Body)
			Expect(err).To(MatchError(context.Canceled))
			var merr *forwarder.MidStreamError
			Expect(errors.As(err, &merr)).To(BeFalse())
			Expect(reporter.Outcomes()).To(Equal([]bool{true}))
		})
	})

	Context("when the client body fails", func() {
		It("should return a ClientError without reporting the upstream", func() {
			ln := rawUpstream(func(c net.Conn) {
				_, _ = io.Copy(io.Discard, c)
			})
			defer ln.Close()

			_, err := fwd.Forward(context.Background(), parseRequest("POST / HTTP/1.1\r\nContent-Length: 50\r\n\r\nshort"), targetFor(ln.Addr().String()))
			var cerr *forwarder.ClientError
			Expect(errors.As(err, &cerr)).To(BeTrue())
			Expect(errors.Is(err, io.ErrUnexpectedEOF)).To(BeTrue())
			Expect(reporter.Outcomes()).To(BeEmpty())
		})
	})

	Context("when the upstream switches protocols", func() {
		It("should hand over the raw connection", func() {
			ln := rawUpstream(func(c net.Conn) {
				readHead(bufio.NewReader(c))
				_, _ = io.WriteString(c, "HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: echo\r\n\r\nhi")
				_, _ = io.Copy(c, c)
			})
			defer ln.Close()

			resp, err := fwd.Forward(context.Background(), parseRequest("GET / HTTP/1.1\r\nConnection: Upgrade\r\nUpgrade: echo\r\n\r\n"), targetFor(ln.Addr().String()))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusSwitchingProtocols))

			conn, br, err := resp.Hijack()
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()
			Expect(resp.Close()).To(Succeed())

			greeting := make([]byte, 2)
			_, err = io.ReadFull(br, greeting)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(greeting)).To(Equal("hi"))

			_, err = conn.Write([]byte("ping"))
			Expect(err).NotTo(HaveOccurred())
			echoed := make([]byte, 4)
			_, err = io.ReadFull(br, echoed)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(echoed)).To(Equal("ping"))
		})
	})
})
