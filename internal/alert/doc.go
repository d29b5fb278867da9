// Package alert defines the alert model carried through alert-bridge and the
// validation applied to alerts before they enter the delivery pipeline.
//
// An alert is accepted only when status and labels.alertname are present and
// labels.severity is one of critical | warning | info (case-insensitive,
// normalized to lowercase). Rejected alerts produce a ValidationErrors value
// whose entries name the offending field; callers map it to HTTP 422.
//
// RoutingKey derives the broker routing key "alert.<severity>".
package alert
