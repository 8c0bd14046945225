// Package query implements a responder for the UDP query protocol used by
// Bedrock server list tools. It answers handshake and full information
// requests with a snapshot of the state of a chunk server.
package query
