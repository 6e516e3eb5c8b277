// Package ws streams session lifecycle events over WebSocket.
//
// Message Types (Client → Server):
//   - ping: Keep-alive ping
//
// Message Types (Server → Client):
//   - system: Connection established
//   - event: A session changed status
//   - pong: Reply to ping
//
// A session_id query parameter limits the stream to one session:
//
//	handler := ws.NewHandler(engine.Bus(), metrics, origins, logger)
//	router.GET("/events", handler.HandleConnection)
package ws
