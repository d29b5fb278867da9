package api

import "github.com/Lraviv/alert-bridge/internal/store"

// RootResponse is the payload for GET /.
type RootResponse struct {
	Message string `json:"message"`
}

// IngestResponse is the payload for POST /alerts.
type IngestResponse struct {
	Status          string `json:"status"`
	AlertsReceived  int    `json:"alerts_received"`
	AlertsPublished int    `json:"alerts_published"`
	Error           string `json:"error,omitempty"`
}

// ValidationResponse is the 422 payload for a malformed POST /alerts body.
type ValidationResponse struct {
	Error   string            `json:"error"`
	Details []ValidationIssue `json:"details"`
}

// ValidationIssue is one invalid field.
type ValidationIssue struct {
	Field   string   `json:"field"`
	Message string   `json:"message"`
	Value   string   `json:"value,omitempty"`
	Allowed []string `json:"allowed,omitempty"`
}

// StatusResponse is the payload for GET /api/v1/health and the data of every
// WebSocket status event.
type StatusResponse struct {
	Status          string     `json:"status"` // ok | degraded
	BrokerConnected bool       `json:"broker_connected"`
	FailedPending   int        `json:"failed_pending"`
	Version         string     `json:"version"`
	LastRetry       *RetryInfo `json:"last_retry,omitempty"`
	GeneratedAt     string     `json:"generated_at"` // RFC3339
}

// RetryInfo summarizes the most recent retry cycle.
type RetryInfo struct {
	Started   string  `json:"started"` // RFC3339
	Seconds   float64 `json:"duration_seconds"`
	Attempted int     `json:"attempted"`
	Published int     `json:"published"`
	Exhausted int     `json:"exhausted"`
	Discarded int     `json:"discarded"`
	Remaining int     `json:"remaining"`
}

// FailedResponse is the payload for GET /api/v1/failed.
type FailedResponse struct {
	Count  int            `json:"count"`
	Alerts []store.Record `json:"alerts"`
}

// RetryResponse is the payload for POST /api/v1/retry.
type RetryResponse struct {
	Status string `json:"status"`
}

// PurgeResponse is the payload for DELETE /api/v1/failed.
type PurgeResponse struct {
	Purged int `json:"purged"`
}

type errorResponse struct {
	Error string `json:"error"`
}
