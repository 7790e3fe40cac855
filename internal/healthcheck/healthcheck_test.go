package healthcheck_test

import (
	"context"
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

	"github.com/angeloszaimis/reverse-proxy/internal/healthcheck"
	"github.com/angeloszaimis/reverse-proxy/internal/pool"
	"github.com/angeloszaimis/reverse-proxy/internal/strategy"
	"github.com/angeloszaimis/reverse-proxy/internal/upstream"
)

func targetFor(addr string) *upstream.Target {
	host, portStr, err := net.SplitHostPort(addr)
	Expect(err).NotTo(HaveOccurred())
	port, err := strconv.Atoi(portStr)
	Expect(err).NotTo(HaveOccurred())
	return upstream.New(host, port)
}

func closedAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	addr := ln.Addr().String()
	Expect(ln.Close()).To(Succeed())
	return addr
}

var _ = Describe("Healthcheck", func() {
	var (
		server  *httptest.Server
		healthy atomic.Bool
		log     *slog.Logger
	)

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		healthy.Store(true)

		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" && healthy.Load() {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("TCPProber", func() {
		It("should succeed against a listening target", func() {
			prober := healthcheck.TCPProber{Timeout: time.Second}
			Expect(prober.Probe(context.Background(), targetFor(server.Listener.Addr().String()))).To(Succeed())
		})

		It("should fail against a closed port", func() {
			prober := healthcheck.TCPProber{Timeout: time.Second}
			Expect(prober.Probe(context.Background(), targetFor(closedAddr()))).NotTo(Succeed())
		})
	})

	Describe("HTTPProber", func() {
		It("should succeed on a 2xx answer", func() {
			prober := healthcheck.NewHTTPProber("/health", time.Second)
			Expect(prober.Probe(context.Background(), targetFor(server.Listener.Addr().String()))).To(Succeed())
		})

		It("should fail on a non-2xx answer", func() {
			healthy.Store(false)
			prober := healthcheck.NewHTTPProber("/health", time.Second)
			err := prober.Probe(context.Background(), targetFor(server.Listener.Addr().String()))
			Expect(err).To(MatchError(ContainSubstring("status 503")))
		})
	})

	Describe("HealthCheck", func() {
		var (
			p         *pool.Pool
			live      *upstream.Target
			dead      *upstream.Target
			ctx       context.Context
			cancel    context.CancelFunc
			stopped   chan struct{}
			threshold = 2
		)

		BeforeEach(func() {
			live = targetFor(server.Listener.Addr().String())
			dead = targetFor(closedAddr())

			var err error
			p, err = pool.New([]*upstream.Target{live, dead}, strategy.NewRoundRobinStrategy(),
				pool.Options{FailureThreshold: threshold}, log)
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel = context.WithCancel(context.Background())
			stopped = make(chan struct{})
			go func() {
				defer close(stopped)
				healthcheck.HealthCheck(ctx, p, healthcheck.NewHTTPProber("/health", 200*time.Millisecond), 50*time.Millisecond, log)
			}()
		})

		AfterEach(func() {
			cancel()
			Eventually(stopped).Should(BeClosed())
		})

		It("should mark a responding target healthy right away", func() {
			Eventually(live.Health).Should(Equal(upstream.HealthHealthy))
		})

		It("should mark an unreachable target unhealthy after the threshold", func() {
			Eventually(dead.Health).Should(Equal(upstream.HealthUnhealthy))
			Expect(dead.ConsecutiveFailures()).To(BeNumerically(">=", threshold))
		})

		It("should follow a target that goes down and comes back", func() {
			Eventually(live.Health).Should(Equal(upstream.HealthHealthy))

			healthy.Store(false)
			Eventually(live.Health).Should(Equal(upstream.HealthUnhealthy))

			healthy.Store(true)
			Eventually(live.Health).Should(Equal(upstream.HealthHealthy))
		})

		It("should stop when the context is cancelled", func() {
			cancel()
			Eventually(stopped).Should(BeClosed())
		})
	})
})
