package model

import (
	"time"

	"vault-ingest/internal/archive"
	"vault-ingest/internal/upload"
)

// AuthenticateRequest represents a credential exchange request
type AuthenticateRequest struct {
	Username string `form:"username" binding:"required"`
	Password string `form:"password" binding:"required"`
}

// ListFilesRequest represents a file listing request
type ListFilesRequest struct {
	SessionID   string `form:"sessionId"`
	ExtractType string `form:"extractType" binding:"omitempty,oneof=full_directdata incremental_directdata log_directdata"`
	StartTime   string `form:"startTime"`
	StopTime    string `form:"stopTime"`
}

// ProcessRequest asks for one archive part to be fetched and ingested. An empty SessionID
// means the service's own session is used.
type ProcessRequest struct {
	SessionID string `form:"sessionId" json:"sessionId"`
	FileName  string `form:"fileName" json:"fileName" binding:"required"`
}

// PayloadFailure records a payload that could not be stored
type PayloadFailure struct {
	File    string `json:"file"`
	Dataset string `json:"dataset"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

// DatasetOutcome is the catalog result for one dataset of a run
type DatasetOutcome struct {
	Dataset    string `json:"dataset"`
	Table      string `json:"table"`
	Location   string `json:"location"`
	Transition string `json:"transition"`
	Inferred   bool   `json:"inferred"`
	Statements int    `json:"statements"`
	Code       string `json:"code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RunReport summarizes one ingestion run of an archive part
type RunReport struct {
	RunID       string           `json:"runId"`
	PartName    string           `json:"partName"`
	ExtractType string           `json:"extractType"`
	Mode        archive.Mode     `json:"extractionMode"`
	Payloads    []string         `json:"payloads"`
	Stored      []upload.Receipt `json:"stored"`
	Failures    []PayloadFailure `json:"failures,omitempty"`
	Catalog     []DatasetOutcome `json:"catalog,omitempty"`
	StartedAt   time.Time        `json:"startedAt"`
	FinishedAt  time.Time        `json:"finishedAt"`
}

// Duration returns how long the run took
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// StoredDatasets returns the distinct datasets with at least one stored payload, in first
// seen order
func (r *RunReport) StoredDatasets() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range r.Stored {
		if !seen[s.Dataset] {
			seen[s.Dataset] = true
			out = append(out, s.Dataset)
		}
	}
	return out
}
