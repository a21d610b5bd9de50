// Package api implements the admin HTTP API and WebSocket feed.
//
// This package provides:
//   - accessory CRUD that replaces the interactive device wizard; edits are
//     persisted to the devices file by the platform
//   - characteristic reads and writes through the same get/set path the
//     exposure layer uses, including the optimistic set timeout
//   - state history from the SQLite recorder
//   - a WebSocket hub that streams every state change
//   - Prometheus metrics at /metrics
//
// # Security
//
// Device descriptors carry shell commands, so everything except health,
// metrics and token issue requires a bearer JWT. Tokens are obtained by
// posting the configured admin secret to /api/v1/auth/token. WebSocket
// clients use single-use tickets so the token never appears in a URL.
package api
