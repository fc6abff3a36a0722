// Package transport is the UDP-backed session manager built on top of the
// kcp core: it demultiplexes inbound datagrams by (conv, remote address),
// owns one kcp.ControlBlock per session, drives Update/Check from a ticker,
// and evicts idle sessions. It never reaches into kcp internals, only its
// exported API.
package transport
