package http

import "github.com/fyrsmithlabs/swarmd/internal/orchestrator"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /status.
type StatusResponse struct {
	Status  string                `json:"status"`
	Version string                `json:"version,omitempty"`
	Agent   orchestrator.Snapshot `json:"agent"`
}
