// Package sessions provides the server-side resumption state for streaming
// tool calls: a registry of live sessions, each owning a bounded, ordered
// event log that supports range replay after a client reconnects.
//
// A Session is created on the first streaming request and survives client
// disconnects. The stream producer keeps appending to the session's EventLog
// whether or not a transport sink is attached; a reconnecting client replays
// the events it missed (identified by the last SSE frame id it received) and
// then continues live. Sessions are destroyed only by TTL expiry or explicit
// termination.
package sessions
