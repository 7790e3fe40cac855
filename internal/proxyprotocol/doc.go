// Package proxyprotocol decodes an optional PROXY protocol (v1 or v2) header
// at the start of an accepted connection, so that the address of the original
// client survives a TCP load balancer in front of the proxy.
package proxyprotocol
