package proxyprotocol_test

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	proxyproto "github.com/pires/go-proxyproto"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/reverse-proxy/internal/proxyprotocol"
)

func sendHeader(client net.Conn, version byte, payload string) {
	defer GinkgoRecover()
	header := &proxyproto.Header{
		Command:            proxyproto.PROXY,
		DestinationAddress: net.ParseIP("127.0.0.1"),
		DestinationPort:    12345,
		SourceAddress:      net.ParseIP("127.127.127.127"),
		SourcePort:         31337,
		TransportProtocol:  proxyproto.TCPv4,
		Version:            version,
	}
	n, err := header.WriteTo(client)
	Expect(n).To(BeNumerically(">", 0))
	Expect(err).NotTo(HaveOccurred())
	_, err = io.WriteString(client, payload)
	Expect(err).NotTo(HaveOccurred())
	Expect(client.Close()).To(Succeed())
}

var _ = Describe("PROXY Protocol", func() {
	Describe("Conn", func() {
		DescribeTable("accepts PROXY connections",
			func(version byte) {
				server, client := net.Pipe()
				go sendHeader(client, version, "GET / HTTP/1.1\r\n\r\n")

				pServer, err := proxyprotocol.NewConn(server, time.Second)
				Expect(err).ShouldNot(HaveOccurred())
				defer pServer.Close()
				Expect(pServer.Header()).NotTo(BeNil())
				Expect(pServer.RemoteAddr().String()).To(Equal("127.127.127.127:31337"))
				Expect(pServer.LocalAddr().String()).To(Equal("127.0.0.1:12345"))

				rest, err := io.ReadAll(pServer)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(rest)).To(Equal("GET / HTTP/1.1\r\n\r\n"))
			},
			Entry("v1", byte(1)),
			Entry("v2", byte(2)),
		)

		It("accepts non-PROXY connections", func() {
			server, client := net.Pipe()

			go func() {
				fmt.Fprint(client, "test\n")
				client.Close()
			}()

			pServer, err := proxyprotocol.NewConn(server, time.Second)
			Expect(err).ShouldNot(HaveOccurred())
			defer pServer.Close()
			Expect(pServer.Header()).To(BeNil())
			Expect(pServer.RemoteAddr().String()).To(Equal("pipe"))
			Expect(pServer.LocalAddr().String()).To(Equal("pipe"))

			rest, err := io.ReadAll(pServer)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(rest)).To(Equal("test\n"))
		})

		It("gives up on a silent client after the timeout", func() {
			server, client := net.Pipe()
			defer client.Close()

			start := time.Now()
			_, err := proxyprotocol.NewConn(server, 50*time.Millisecond)
			Expect(err).To(MatchError(os.ErrDeadlineExceeded))
			Expect(time.Since(start)).To(BeNumerically("<", time.Second))
		})

		It("fails when the client closes before sending anything", func() {
			server, client := net.Pipe()
			Expect(client.Close()).To(Succeed())

			_, err := proxyprotocol.NewConn(server, time.Second)
			Expect(err).To(MatchError(io.EOF))
		})
	})
})
