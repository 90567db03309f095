// Package types provides shared types for powhttp-proxy.
// These types are used across multiple packages and are designed for external consumption.
package types

import "encoding/json"

// ToAny round-trips a typed value through JSON to produce an untyped any.
// Use this when a value must be handed to code that only understands plain
// JSON values, such as jq filters or schema validators.
func ToAny(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FlowSummary is the compact, JSON-friendly view of a flow used by filters
// and the flow store.
type FlowSummary struct {
	ID          string            `json:"id"`
	StartedMs   int64             `json:"started_ms"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
	Client      string            `json:"client"`
	Server      string            `json:"server,omitempty"`
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Scheme      string            `json:"scheme,omitempty"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	Path        string            `json:"path,omitempty"`
	HTTPVersion string            `json:"http_version"`
	Status      int               `json:"status,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Headers     map[string]string `json:"request_headers,omitempty"`  // lowercased names, first value
	RespHeaders map[string]string `json:"response_headers,omitempty"` // lowercased names, first value
	Sizes       SizeSummary       `json:"sizes"`
	Error       *ErrorSummary     `json:"error,omitempty"`
}

// SizeSummary contains request/response body size information.
type SizeSummary struct {
	ReqBodyBytes    int    `json:"req_body_bytes"`
	RespBodyBytes   int    `json:"resp_body_bytes"`
	RespContentType string `json:"resp_content_type,omitempty"` // e.g., "application/json"
	RespCategory    string `json:"resp_category,omitempty"`     // json, html, binary, ...
}

// ErrorSummary describes why a flow failed.
type ErrorSummary struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
