// Package api exposes the relay surface over HTTP: speculative validation,
// signature-authenticated commits, and read-only views of spend counters and
// bindings. Amounts travel as decimal strings and calldata as 0x-prefixed hex.
package api
