package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ValidationError reports one invalid or missing field in an inbound alert.
// Validation errors are client errors: they are never stored or retried.
type ValidationError struct {
	// Field is the path of the offending field, e.g. "alerts[0].labels.severity".
	Field string

	// Value is the rejected value, empty for missing fields.
	Value string

	// Message describes the problem.
	Message string

	// Allowed lists the accepted values when the field is an enum.
	Allowed []string
}

func (e *ValidationError) Error() string {
	if len(e.Allowed) > 0 {
		return fmt.Sprintf("%s: invalid value %q, must be one of [%s]",
			e.Field, e.Value, strings.Join(e.Allowed, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every validation failure found in a payload.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Error()
	}
	msgs := make([]string, 0, len(e))
	for _, ve := range e {
		msgs = append(msgs, ve.Error())
	}
	return fmt.Sprintf("%d validation errors: %s", len(e), strings.Join(msgs, "; "))
}

// Unwrap exposes the individual errors to errors.Is and errors.As.
func (e ValidationErrors) Unwrap() []error {
	out := make([]error, 0, len(e))
	for _, ve := range e {
		out = append(out, ve)
	}
	return out
}

// Validate normalizes a and checks it. Severity is lowercased and must be one
// of Severities() and alertname must be non-empty. Status is free-form and may
// be empty. Nil annotations become an empty map. Every other field is passed through unchanged.
func Validate(a Alert) (Alert, error) {
	out, errs := check(a, "")
	if len(errs) > 0 {
		return a, errs
	}
	return out, nil
}

// ValidateBatch validates every alert in b and returns the normalized batch.
// Errors from all alerts are reported together.
func ValidateBatch(b Batch) (Batch, error) {
	out := make(Batch, 0, len(b))
	var errs ValidationErrors
	for i, a := range b {
		norm, verrs := check(a, fmt.Sprintf("alerts[%d].", i))
		errs = append(errs, verrs...)
		out = append(out, norm)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

func check(a Alert, prefix string) (Alert, ValidationErrors) {
	var errs ValidationErrors

	if strings.TrimSpace(a.Labels.Alertname) == "" {
		errs = append(errs, &ValidationError{Field: prefix + "labels.alertname", Message: "field required"})
	}

	sev := strings.ToLower(strings.TrimSpace(a.Labels.Severity))
	switch {
	case sev == "":
		errs = append(errs, &ValidationError{Field: prefix + "labels.severity", Message: "field required"})
	case !isSeverity(sev):
		errs = append(errs, &ValidationError{
			Field:   prefix + "labels.severity",
			Value:   a.Labels.Severity,
			Message: "invalid severity",
			Allowed: Severities(),
		})
	}

	a.Labels.Severity = sev
	if a.Annotations == nil {
		a.Annotations = map[string]string{}
	}
	return a, errs
}

func isSeverity(s string) bool {
	for _, v := range Severities() {
		if s == v {
			return true
		}
	}
	return false
}

// rawPayload mirrors the webhook body with pointer fields so that missing
// fields can be told apart from empty ones.
type rawPayload struct {
	Alerts *[]rawAlert `json:"alerts"`
}

type rawAlert struct {
	Status      *string           `json:"status"`
	Labels      *rawLabels        `json:"labels"`
	Annotations map[string]string `json:"annotations"`
}

type rawLabels struct {
	Alertname *string `json:"alertname"`
	Severity  *string `json:"severity"`
}

// DecodePayload reads a webhook body of the form {"alerts": [...]} and returns
// the validated, normalized batch. Malformed JSON, missing fields and
// out-of-enum severities are all reported as ValidationErrors. A failure to
// read r is returned wrapped as is.
func DecodePayload(r io.Reader) (Batch, error) {
	var p rawPayload
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		var (
			typeErr   *json.UnmarshalTypeError
			syntaxErr *json.SyntaxError
		)
		switch {
		case errors.As(err, &typeErr):
			return nil, ValidationErrors{{
				Field:   typeErr.Field,
				Value:   typeErr.Value,
				Message: fmt.Sprintf("expected %s", typeErr.Type),
			}}
		case errors.As(err, &syntaxErr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil, ValidationErrors{{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)}}
		default:
			// The body could not be read, e.g. it exceeded a size limit.
			return nil, fmt.Errorf("alert: read payload: %w", err)
		}
	}
	if p.Alerts == nil {
		return nil, ValidationErrors{{Field: "alerts", Message: "field required"}}
	}

	batch := make(Batch, 0, len(*p.Alerts))
	var errs ValidationErrors
	for i, ra := range *p.Alerts {
		prefix := fmt.Sprintf("alerts[%d].", i)
		if ra.Status == nil {
			errs = append(errs, &ValidationError{Field: prefix + "status", Message: "field required"})
		}
		if ra.Labels == nil {
			errs = append(errs, &ValidationError{Field: prefix + "labels", Message: "field required"})
			ra.Labels = &rawLabels{}
		}
		a := Alert{
			Status:      deref(ra.Status),
			Labels:      Labels{Alertname: deref(ra.Labels.Alertname), Severity: deref(ra.Labels.Severity)},
			Annotations: ra.Annotations,
		}
		batch = append(batch, a)
	}

	norm, err := ValidateBatch(batch)
	if err != nil {
		var verrs ValidationErrors
		errors.As(err, &verrs)
		errs = append(errs, verrs...)
	}
	if len(errs) > 0 {
		return nil, dedupe(errs)
	}
	return norm, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// dedupe drops repeated errors on the same field; a missing labels object
// otherwise also reports both of its children as missing.
func dedupe(errs ValidationErrors) ValidationErrors {
	seen := make(map[string]bool, len(errs))
	out := errs[:0]
	for _, e := range errs {
		parent := e.Field
		if i := strings.LastIndex(parent, "."); i >= 0 {
			parent = parent[:i]
		}
		if seen[e.Field] || seen[parent] {
			continue
		}
		seen[e.Field] = true
		out = append(out, e)
	}
	return out
}
