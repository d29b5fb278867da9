// Package ws streams the bridge status over WebSocket at /ws/stream.
//
// One goroutine (Hub.Run) owns the subscriber set. It pushes the current
// status when a client connects, every status.interval (default 5s), and as
// soon as the failure store is rewritten or a retry cycle completes
// (Hub.Follow). Slow subscribers are dropped.
//
// Message format:
//
//	{
//	  "event":  "status",
//	  "reason": "connect" | "tick" | "store" | "retry",
//	  "data":   { /* same schema as GET /api/v1/health */ }
//	}
package ws
