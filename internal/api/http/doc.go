// Package http exposes the session lifecycle over a JSON HTTP API.
//
// Every handler maps a classified failure to a status code via the fault
// kind, so clients see the same taxonomy the engine uses:
//
//	{"error": "...", "kind": "duplicate_id", "retryable": false}
package http
