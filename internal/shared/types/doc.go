// Package types holds the session data shared by the engine, the HTTP API and
// the event stream.
//
// Core types:
//   - Status: lifecycle state of a session (active, suspending, suspended,
//     restoring, destroyed)
//   - SessionSummary: the externally visible view of one session
//   - CheckpointInfo: metadata of a process checkpoint image set
package types
