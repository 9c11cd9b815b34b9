package http

import (
	"time"

	"github.com/fyrsmithlabs/guidesmith/internal/history"
	"github.com/fyrsmithlabs/guidesmith/internal/status"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Keys        []status.KeyStatus `json:"keys"`
	Counts      map[string]int     `json:"counts"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// HistoryResponse is the response body for GET /api/v1/history/:provider/:model.
type HistoryResponse struct {
	Provider string           `json:"provider"`
	Model    string           `json:"model"`
	Records  []history.Record `json:"records"`
	Count    int              `json:"count"`
}
