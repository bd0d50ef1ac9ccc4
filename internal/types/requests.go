package types

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// AnalyzeRequest represents the request to start an analysis job.
type AnalyzeRequest struct {
	ArtifactID string `json:"artifact_id" validate:"required,max=128"`
	// APKID is accepted for clients that still send the older field name.
	APKID string   `json:"apk_id,omitempty"`
	Tools []string `json:"tools" validate:"required,min=1,max=16,unique,dive,required,max=64"`
}

// Normalize folds the legacy field into ArtifactID and trims tool names.
func (r *AnalyzeRequest) Normalize() {
	if r.ArtifactID == "" {
		r.ArtifactID = r.APKID
	}
	r.ArtifactID = strings.TrimSpace(r.ArtifactID)
	r.Tools = NormalizeTools(r.Tools)
}

// Validate validates the analyze request.
func (r *AnalyzeRequest) Validate() error {
	return validate.Struct(r)
}

// NormalizeTools lowercases and trims tool names in place.
func NormalizeTools(names []string) []string {
	for i, name := range names {
		names[i] = strings.ToLower(strings.TrimSpace(name))
	}
	return names
}

// ValidateTools applies the AnalyzeRequest.Tools rules to a bare list.
func ValidateTools(names []string) error {
	return validate.Var(names, "required,min=1,max=16,unique,dive,required,max=64")
}

// UploadResponse is returned after an artifact has been stored.
type UploadResponse struct {
	ArtifactID string `json:"artifact_id"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	MimeType   string `json:"mime_type,omitempty"`
	Message    string `json:"message"`
}

// AnalyzeResponse acknowledges an accepted analysis request.
type AnalyzeResponse struct {
	ArtifactID string    `json:"artifact_id"`
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	JobStatus  JobStatus `json:"job_status"`
	Tools      []string  `json:"tools"`
	Message    string    `json:"message"`
}

// ResultsResponse is the full per-tool payload of a terminal job.
type ResultsResponse struct {
	JobID       string    `json:"job_id"`
	Status      JobStatus `json:"status"`
	Error       string    `json:"error,omitempty"`
	Results     Results   `json:"results"`
	GeneratedAt time.Time `json:"generated_at"`
}

// HealthResponse reports which tools are installed.
type HealthResponse struct {
	Status string          `json:"status"`
	Tools  map[string]bool `json:"tools"`
}
