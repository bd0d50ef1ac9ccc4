package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/jonathan/mats/internal/artifact"
	"github.com/jonathan/mats/internal/db"
	"github.com/jonathan/mats/internal/jobs"
	"github.com/jonathan/mats/internal/server/middleware"
	"github.com/jonathan/mats/internal/types"
)

const (
	// multipartOverhead is the slack allowed above the upload limit for
	// multipart headers and boundaries.
	multipartOverhead = 1 << 20
	// maxAnalyzeBody caps the JSON body of /analyze.
	maxAnalyzeBody = 64 << 10
)

// RootResponse is the API banner.
type RootResponse struct {
	Message string `json:"message"`
	Version string `json:"version"`
}

// JobListResponse represents the response for /jobs
type JobListResponse struct {
	Jobs  []types.JobSummary `json:"jobs"`
	Count int                `json:"count"`
}

// handleRoot returns the API banner
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, RootResponse{Message: "MATS API", Version: s.version})
}

// handleHealth reports which tools are installed
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, types.HealthResponse{
		Status: "healthy",
		Tools:  s.catalog.Health(),
	})
}

// handleUpload stores the multipart "file" field as a new artifact
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Storage.MaxUploadBytes()+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		s.fail(w, r, &ErrValidation{Field: "file", Message: "expected a multipart/form-data upload"})
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			s.fail(w, r, &ErrValidation{Field: "file", Message: "no file provided"})
			return
		}
		if err != nil {
			s.uploadFailed(w, r, fmt.Errorf("failed to read upload: %w", err))
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		art, err := s.store.Put(part, part.FileName())
		_ = part.Close()
		if err != nil {
			s.uploadFailed(w, r, err)
			return
		}

		if s.metrics != nil {
			s.metrics.UploadFinished("stored", art.Size)
		}
		s.jsonResponse(w, http.StatusOK, types.UploadResponse{
			ArtifactID: art.ID,
			Filename:   art.Filename,
			Size:       art.Size,
			MimeType:   art.MimeType,
			Message:    "File uploaded successfully",
		})
		return
	}
}

func (s *Server) uploadFailed(w http.ResponseWriter, r *http.Request, err error) {
	if s.metrics != nil {
		s.metrics.UploadFinished("rejected", 0)
	}
	s.logger.WithError(err).Warn("Upload rejected")
	s.fail(w, r, err)
}

// handleAnalyze validates the request and starts a background job
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req types.AnalyzeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAnalyzeBody))
	if err := dec.Decode(&req); err != nil {
		s.fail(w, r, &ErrValidation{Field: "body", Message: "invalid JSON: " + err.Error()})
		return
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		s.fail(w, r, validationError(err))
		return
	}

	if _, err := s.store.Get(req.ArtifactID); err != nil {
		s.fail(w, r, err)
		return
	}

	// Tool names are checked against the catalog before any job exists.
	if err := s.catalog.Validate(req.Tools); err != nil {
		s.fail(w, r, err)
		return
	}

	if s.archived(r.Context(), req.ArtifactID) {
		s.fail(w, r, fmt.Errorf("%w: %s", jobs.ErrAlreadyExists, req.ArtifactID))
		return
	}

	job, err := s.orchestrator.Start(req.ArtifactID, req.Tools)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	fields := logrus.Fields{"job_id": job.ID, "tools": req.Tools}
	if caller, err := middleware.GetSubject(r); err == nil {
		fields["caller"] = caller
	}
	s.logger.WithFields(fields).Info("Analysis started")
	s.jsonResponse(w, http.StatusAccepted, types.AnalyzeResponse{
		ArtifactID: req.ArtifactID,
		JobID:      job.ID,
		Status:     "started",
		JobStatus:  job.Status,
		Tools:      job.ToolOrder,
		Message:    "Analysis started",
	})
}

// archived reports whether a job for id survives only in the archive.
func (s *Server) archived(ctx context.Context, id string) bool {
	if s.archive == nil {
		return false
	}
	if _, err := s.registry.Get(id); err == nil {
		return false
	}
	_, err := s.archive.GetJob(ctx, id)
	return err == nil
}

// handleStatus returns the job projection without per-tool results
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, job.Summary())
}

// handleResults returns per-tool results once the job is terminal
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !job.Status.IsTerminal() {
		s.fail(w, r, &ErrJobNotFinished{JobID: job.ID, Status: job.Status, Progress: job.Progress})
		return
	}

	s.jsonResponse(w, http.StatusOK, types.ResultsResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Error:       job.Error,
		Results:     job.Results,
		GeneratedAt: time.Now().UTC(),
	})
}

// handleListJobs lists in-memory jobs, or archived jobs with ?archived=true
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if archived, _ := strconv.ParseBool(r.URL.Query().Get("archived")); archived {
		if s.archive == nil {
			s.fail(w, r, &ErrValidation{Field: "archived", Message: "no job archive is configured"})
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		summaries, err := s.archive.ListJobs(r.Context(), limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if summaries == nil {
			summaries = []types.JobSummary{}
		}
		s.jsonResponse(w, http.StatusOK, JobListResponse{Jobs: summaries, Count: len(summaries)})
		return
	}

	list := s.registry.List()
	summaries := make([]types.JobSummary, 0, len(list))
	for _, job := range list {
		summaries = append(summaries, job.Summary())
	}
	s.jsonResponse(w, http.StatusOK, JobListResponse{Jobs: summaries, Count: len(summaries)})
}

// lookupJob reads the registry first and falls back to the archive.
func (s *Server) lookupJob(ctx context.Context, id string) (*types.Job, error) {
	if err := artifact.ValidateID(id); err != nil {
		return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}

	job, err := s.registry.Get(id)
	if err == nil || !errors.Is(err, jobs.ErrNotFound) || s.archive == nil {
		return job, err
	}

	archived, aerr := s.archive.GetJob(ctx, id)
	if aerr != nil {
		if !errors.Is(aerr, db.ErrJobNotFound) {
			s.logger.WithError(aerr).WithField("job_id", id).Warn("Job archive lookup failed")
		}
		return nil, err
	}
	return archived, nil
}

// validationError converts validator output into an ErrValidation naming the JSON field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ErrValidation{Field: "body", Message: err.Error()}
	}

	fe := verrs[0]
	field := "artifact_id"
	if strings.HasPrefix(fe.Field(), "Tools") {
		field = "tools"
	}

	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "min":
		msg = "must not be empty"
	case "max":
		msg = fmt.Sprintf("exceeds maximum of %s", fe.Param())
	case "unique":
		msg = "must not contain duplicates"
	default:
		msg = "failed " + fe.Tag() + " check"
	}
	return &ErrValidation{Field: field, Message: msg}
}
