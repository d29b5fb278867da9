package alert

import (
	"encoding/json"

	"github.com/prometheus/common/model"
)

// Severity values accepted in labels.severity.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// routingKeyPrefix is prepended to the severity to form the broker routing key.
const routingKeyPrefix = "alert."

// Labels holds the labels alert-bridge routes on.
type Labels struct {
	// Alertname identifies the alert rule that fired.
	Alertname string `json:"alertname"`

	// Severity is one of: critical | warning | info (lowercase after validation).
	Severity string `json:"severity"`
}

// Alert is a single alert as received on the webhook and as published to the broker.
// The same JSON form is written to the failure store.
type Alert struct {
	// Status is free-form, typically "firing" or "resolved".
	Status string `json:"status"`

	Labels Labels `json:"labels"`

	// Annotations carry descriptive key/value pairs. Never nil after Validate.
	Annotations map[string]string `json:"annotations"`
}

// Batch is the ordered list of alerts received in one webhook call.
type Batch []Alert

// Severities returns the allowed severity values in priority order.
func Severities() []string {
	return []string{SeverityCritical, SeverityWarning, SeverityInfo}
}

// RoutingKey returns the broker routing key for a severity: "alert.<severity>".
func RoutingKey(severity string) string {
	return routingKeyPrefix + severity
}

// RoutingKey returns the routing key derived from the alert's severity label.
func (a Alert) RoutingKey() string {
	return RoutingKey(a.Labels.Severity)
}

// Name returns the alertname label.
func (a Alert) Name() string {
	return a.Labels.Alertname
}

// Fingerprint returns a stable hash of the alert's labels. It is used to
// correlate log lines for the same alert across retries; alerts are never
// deduplicated on it.
func (a Alert) Fingerprint() string {
	ls := model.LabelSet{
		model.AlertNameLabel: model.LabelValue(a.Labels.Alertname),
		"severity":           model.LabelValue(a.Labels.Severity),
	}
	return ls.Fingerprint().String()
}

// Marshal returns the JSON body published to the broker.
func (a Alert) Marshal() ([]byte, error) {
	if a.Annotations == nil {
		a.Annotations = map[string]string{}
	}
	return json.Marshal(a)
}
