// Package compliance implements a compliance-testing harness for the Model Context Protocol
// (MCP). Interceptors sit transparently between an MCP client and server on any of the three
// transports (stdio, HTTP+SSE and streamable HTTP), forward the traffic byte for byte and record
// every JSON-RPC message they see into a capture. Captures from independent implementations are
// then normalized and compared position by position against a golden capture, so that any SDK
// can be cross-validated against any other.
package compliance
