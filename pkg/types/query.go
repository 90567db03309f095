package types

// FlowQuery selects recorded flows. Zero-valued fields do not constrain.
type FlowQuery struct {
	Host   string // exact, or "*.example.com" for a domain and its subdomains
	Method string
	Status int
	Text   string // URL tokens, all must match
	Filter string // jq expression evaluated against FlowSummary
	Limit  int    // Default 20, max 1000
	Offset int
}

// FlowQueryResult contains the matching flows, newest first.
type FlowQueryResult struct {
	Flows     []*FlowSummary `json:"flows"`
	Total     int            `json:"total"`
	Truncated bool           `json:"truncated,omitempty"`
	Errors    []string       `json:"errors,omitempty"` // Per-flow filter errors
}
