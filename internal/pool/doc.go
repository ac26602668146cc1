// Package pool manages a shared set of WebSocket connections to the
// platform's streaming APIs.
//
// Admission policy:
//   - per-type and global capacity ceilings, checked before any dial
//   - exponential per-type cooldown after consecutive failures
//
// Each admitted connection gets its own token-bucket rate limiter
// (shared by application sends and heartbeats) and a recurring
// keep-alive frame. Callers interact only through connection ids:
// Connect, Send, On/Off, Close, Dispose.
package pool
