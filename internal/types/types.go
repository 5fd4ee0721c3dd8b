package types

import (
	"strings"
	"time"
)

// Stream field names shared by the ingestion side and the worker.
const (
	FieldWebhookID     = "webhookId"
	FieldEndpointID    = "endpointId"
	FieldMethod        = "method"
	FieldHeaders       = "headers"
	FieldBody          = "body"
	FieldQuery         = "query"
	FieldTimestamp     = "timestamp"
	FieldPlatform      = "platform"
	FieldDefaultTarget = "defaultTarget"
	FieldRetryConfig   = "retryConfig"

	FieldError          = "error"
	FieldFailedAt       = "failedAt"
	FieldOriginalStream = "originalStream"
)

// Event is one entry claimed from the webhook stream. Fields keeps the raw
// flat record so it can be dead-lettered verbatim.
type Event struct {
	ID            string
	WebhookID     string
	EndpointID    string
	Method        string
	Headers       string
	Body          string
	Query         string
	Timestamp     string
	Platform      string
	DefaultTarget string
	RetryConfig   string
	Fields        map[string]string
}

func EventFromFields(id string, fields map[string]string) Event {
	if fields == nil {
		fields = map[string]string{}
	}
	return Event{
		ID:            id,
		WebhookID:     fields[FieldWebhookID],
		EndpointID:    fields[FieldEndpointID],
		Method:        fields[FieldMethod],
		Headers:       fields[FieldHeaders],
		Body:          fields[FieldBody],
		Query:         fields[FieldQuery],
		Timestamp:     fields[FieldTimestamp],
		Platform:      fields[FieldPlatform],
		DefaultTarget: fields[FieldDefaultTarget],
		RetryConfig:   fields[FieldRetryConfig],
		Fields:        fields,
	}
}

type Mapping struct {
	ID            string
	EndpointID    string
	TargetURL     string
	Auth          AuthConfig
	Retry         *RetryPolicy
	AddHeaders    map[string]string
	RemoveHeaders map[string]struct{}
	Active        bool
}

// Removes reports whether the header name is in the remove set, ignoring case.
func (m *Mapping) Removes(name string) bool {
	if m == nil || len(m.RemoveHeaders) == 0 {
		return false
	}
	_, ok := m.RemoveHeaders[strings.ToLower(name)]
	return ok
}

type DeadLetterEntry struct {
	ID             string
	Fields         map[string]string
	Error          string
	FailedAt       time.Time
	OriginalStream string
}

// Event returns the entry as it was before it failed.
func (d DeadLetterEntry) Event() Event {
	return EventFromFields(d.ID, d.Fields)
}

// Record returns the flat field map to persist for the event, rebuilding it
// from the typed fields when the raw map is absent.
func (e Event) Record() map[string]string {
	if len(e.Fields) > 0 {
		out := make(map[string]string, len(e.Fields))
		for k, v := range e.Fields {
			out[k] = v
		}
		return out
	}
	out := map[string]string{
		FieldWebhookID:  e.WebhookID,
		FieldEndpointID: e.EndpointID,
		FieldMethod:     e.Method,
		FieldHeaders:    e.Headers,
		FieldBody:       e.Body,
		FieldQuery:      e.Query,
		FieldTimestamp:  e.Timestamp,
	}
	for k, v := range map[string]string{
		FieldPlatform:      e.Platform,
		FieldDefaultTarget: e.DefaultTarget,
		FieldRetryConfig:   e.RetryConfig,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
