// Package streaminghttp exposes resumable streaming tool calls over HTTP.
//
// A POST with a JSON-RPC 2.0 body invokes a tool. Streaming tools answer
// with a text/event-stream response: a session_init event carrying the
// session id (the resumption anchor), then message events with strictly
// increasing frame ids. A client that disconnects mid-stream reconnects by
// repeating the POST with the Mcp-Session-Id and Last-Event-ID headers; the
// server replays every buffered event past that id and continues live, with
// no loss, duplication, or reordering.
//
// Unary tool calls and tool listing return plain JSON. Notifications are
// acknowledged with 202 and no body. All protocol-level failures ride inside
// an HTTP 200 response as JSON-RPC error objects; non-200 statuses are
// reserved for requests malformed at the HTTP layer itself.
package streaminghttp
