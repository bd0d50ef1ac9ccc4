// Package events announces job lifecycle changes on a NATS subject so other
// services can react to finished analyses.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/jonathan/mats/internal/types"
)

// DefaultSubjectPrefix is prepended to every published subject.
const DefaultSubjectPrefix = "mats.jobs"

// Event types.
const (
	TypeJobFinished = "job.finished"
)

// ToolOutcome is the per-tool status carried in a JobEvent.
type ToolOutcome struct {
	Tool       string           `json:"tool"`
	Status     types.ToolStatus `json:"status"`
	DurationMs int64            `json:"duration_ms"`
}

// JobEvent is the message body published for a job. It omits tool output.
type JobEvent struct {
	Type       string          `json:"type"`
	JobID      string          `json:"job_id"`
	Status     types.JobStatus `json:"status"`
	Progress   int             `json:"progress"`
	Error      string          `json:"error,omitempty"`
	Tools      []ToolOutcome   `json:"tools"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewJobFinished builds the event for a terminal job.
func NewJobFinished(job *types.Job, now time.Time) JobEvent {
	outcomes := make([]ToolOutcome, 0, job.Results.Len())
	for _, res := range job.Results.List() {
		outcomes = append(outcomes, ToolOutcome{Tool: res.Tool, Status: res.Status, DurationMs: res.DurationMs})
	}
	return JobEvent{
		Type:       TypeJobFinished,
		JobID:      job.ID,
		Status:     job.Status,
		Progress:   job.Progress,
		Error:      job.Error,
		Tools:      outcomes,
		FinishedAt: job.FinishedAt,
		Timestamp:  now,
	}
}

// Subject returns the subject a job status is published on, for example
// mats.jobs.completed.
func Subject(prefix string, status types.JobStatus) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + string(status)
}

// Noop discards every event. It is used when no broker is configured.
type Noop struct{}

// PublishJobFinished implements the publisher contract and does nothing.
func (Noop) PublishJobFinished(context.Context, *types.Job) error { return nil }

// Close does nothing.
func (Noop) Close() {}

// Options configures the NATS publisher.
type Options struct {
	URL           string
	ClientName    string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATS publishes job events to a NATS server.
type NATS struct {
	conn   *nats.Conn
	prefix string
	logger logrus.FieldLogger
}

// Connect opens a NATS connection. Disconnects and reconnects are logged.
func Connect(opts Options, logger logrus.FieldLogger) (*NATS, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.ClientName == "" {
		opts.ClientName = "mats"
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = 60
	}

	logger.Infof("Connecting to NATS at %s", opts.URL)
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.ClientName),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.WithField("url", c.ConnectedUrl()).Info("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("Connected to NATS successfully")

	return &NATS{conn: nc, prefix: opts.SubjectPrefix, logger: logger}, nil
}

// PublishJobFinished publishes a terminal job on <prefix>.<status>.
func (n *NATS) PublishJobFinished(ctx context.Context, job *types.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(NewJobFinished(job, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	subject := Subject(n.prefix, job.Status)
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	n.logger.WithFields(logrus.Fields{"job_id": job.ID, "subject": subject}).Debug("Published job event")
	return nil
}

// Subscribe delivers every job event under the prefix to handler until ctx
// is canceled. Malformed messages are logged and skipped.
func (n *NATS) Subscribe(ctx context.Context, handler func(JobEvent)) error {
	prefix := n.prefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	sub, err := n.conn.Subscribe(prefix+".>", func(msg *nats.Msg) {
		var event JobEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			n.logger.WithError(err).WithField("subject", msg.Subject).Error("Failed to parse job event")
			return
		}
		handler(event)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe() //nolint:errcheck // best effort on shutdown

	<-ctx.Done()
	return nil
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}
