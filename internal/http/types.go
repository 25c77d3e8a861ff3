package http

import "github.com/fyrsmithlabs/aml/internal/record"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status string        `json:"status"`
	Owners []OwnerCounts `json:"owners"`
}

// OwnerCounts summarizes one owner's records. Counts are -1 when the records
// could not be read.
type OwnerCounts struct {
	Owner    string              `json:"owner"`
	Total    int                 `json:"total"`
	Active   int                 `json:"active"`
	Inactive int                 `json:"inactive"`
	ByKind   map[record.Kind]int `json:"by_kind,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// RecordsResponse is the response body for GET /api/v1/owners/:owner/records.
type RecordsResponse struct {
	Owner   string     `json:"owner"`
	Count   int        `json:"count"`
	Records record.Set `json:"records"`
}
