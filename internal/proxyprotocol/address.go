package proxyprotocol

import (
	"net"

	proxyproto "github.com/pires/go-proxyproto"
)

// NewProxyAddr builds the net.Addr described by a PROXY header.
func NewProxyAddr(proto proxyproto.AddressFamilyAndProtocol, addr net.IP, port uint16) net.Addr {
	switch network(proto) {
	case "unix", "unixgram":
		return &net.UnixAddr{Net: network(proto), Name: addr.String()}
	case "udp4", "udp6":
		return &net.UDPAddr{IP: addr, Port: int(port)}
	default:
		return &net.TCPAddr{IP: addr, Port: int(port)}
	}
}

func network(afp proxyproto.AddressFamilyAndProtocol) string {
	switch {
	case afp.IsIPv4():
		if afp.IsStream() {
			return "tcp4"
		}
		return "udp4"
	case afp.IsIPv6():
		if afp.IsStream() {
			return "tcp6"
		}
		return "udp6"
	case afp.IsUnix():
		if afp.IsStream() {
			return "unix"
		}
		return "unixgram"
	}
	return "unspec"
}
