// Package api implements the HTTP surface of alert-bridge.
//
// New(opts) returns an http.Handler that serves:
//
//	GET    /                 liveness greeting
//	POST   /alerts           webhook: {"alerts":[...]} → 200 summary, 422 details, 503 if alerts were lost
//	GET    /api/v1/health    broker connection, pending failed alerts, version, last retry cycle
//	GET    /api/v1/failed    contents of the failure store
//	DELETE /api/v1/failed    purge the failure store (server.enable_admin only)
//	POST   /api/v1/retry     request an immediate retry cycle (202)
//	GET    /metrics          Prometheus exposition
//
// All JSON endpoints respond with Content-Type: application/json and return
// 405 for unsupported methods. JSON types are defined in types.go. No external
// HTTP framework is used.
package api
