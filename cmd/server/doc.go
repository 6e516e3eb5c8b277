// Package main is the entry point for deskd, the desktop session daemon.
//
// deskd gives each user an isolated desktop: a copy-on-write overlay over a
// shared base filesystem plus a display served over VNC. Idle sessions can
// be suspended to disk, with their process tree checkpointed by criu(8) and
// their writable layer archived, and later restored where they left off.
//
// The server provides:
//   - REST API for the session lifecycle
//   - WebSocket stream of lifecycle events
//   - Periodic reclamation of idle sessions and suspended storage
//   - Prometheus metrics at /metrics
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Production mode
//	SESSIONS_ROOT=/var/lib/deskd/sessions ./server
//
//	# Development mode (colored logs, debug level, in-memory displays)
//	DISPLAY_MODE=memory ./server -dev -root /tmp/deskd
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown. Live sessions are suspended unless
//     SUSPEND_ON_SHUTDOWN=false.
package main
