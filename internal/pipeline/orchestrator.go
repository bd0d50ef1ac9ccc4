// Package pipeline drives analysis jobs: it dispatches each requested tool in
// order, records progress in the job registry and finalizes the job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/jonathan/mats/internal/jobs"
	"github.com/jonathan/mats/internal/observability"
	"github.com/jonathan/mats/internal/tools"
	"github.com/jonathan/mats/internal/types"
)

// DefaultMaxConcurrentJobs caps simultaneously processing jobs when no limit is configured.
const DefaultMaxConcurrentJobs = 2

// archiveTimeout bounds the post-run archive and publish calls.
const archiveTimeout = 10 * time.Second

// ErrShuttingDown is returned by Start once Shutdown has been called.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// ArtifactLocator resolves stored artifacts and their results directories.
type ArtifactLocator interface {
	PathOf(id string) (string, error)
	ResultsDir(id string) (string, error)
}

// ToolSet resolves tool names to adapters.
type ToolSet interface {
	Get(name string) (tools.Adapter, bool)
}

// JobArchive persists finished jobs.
type JobArchive interface {
	SaveJob(ctx context.Context, job *types.Job) error
}

// EventPublisher announces finished jobs.
type EventPublisher interface {
	PublishJobFinished(ctx context.Context, job *types.Job) error
}

// Metrics defines metrics operations needed by the orchestrator.
type Metrics interface {
	JobStarted()
	JobFinished(status string, d time.Duration)
	ToolFinished(tool, status string, d time.Duration)
}

var _ Metrics = (*observability.Metrics)(nil)

// ProgressEvent represents a progress update during job execution
type ProgressEvent struct {
	JobID    string           `json:"job_id"`
	Tool     string           `json:"tool,omitempty"`
	Status   types.JobStatus  `json:"status"`
	Progress int              `json:"progress"`
	Result   types.ToolStatus `json:"result,omitempty"`
	Message  string           `json:"message"`
}

// ProgressCallback is called when job progress occurs
type ProgressCallback func(event ProgressEvent)

// Options holds the optional collaborators of an Orchestrator.
type Options struct {
	MaxConcurrentJobs int64
	Archive           JobArchive
	Events            EventPublisher
	Metrics           Metrics
	Tracer            trace.Tracer
	OnProgress        ProgressCallback
	Logger            logrus.FieldLogger
}

// Orchestrator owns the job state machine. Only its run goroutine mutates a
// job between Start and the terminal transition.
type Orchestrator struct {
	registry  *jobs.Registry
	artifacts ArtifactLocator
	tools     ToolSet
	opts      Options
	logger    logrus.FieldLogger
	tracer    trace.Tracer
	sem       *semaphore.Weighted
	now       func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates an Orchestrator.
func New(registry *jobs.Registry, artifacts ArtifactLocator, toolSet ToolSet, opts Options) *Orchestrator {
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("pipeline")
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		registry:  registry,
		artifacts: artifacts,
		tools:     toolSet,
		opts:      opts,
		logger:    logger,
		tracer:    tracer,
		sem:       semaphore.NewWeighted(opts.MaxConcurrentJobs),
		now:       func() time.Time { return time.Now().UTC() },
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Start registers the job, moves it to processing and runs it in the
// background. It never waits for a worker slot.
func (o *Orchestrator) Start(jobID string, toolOrder []string) (*types.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrShuttingDown
	}

	job, err := o.accept(jobID, toolOrder)
	if err != nil {
		return nil, err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.sem.Acquire(o.baseCtx, 1); err != nil {
			o.fail(jobID, "analysis interrupted: "+ErrShuttingDown.Error())
			o.finish(o.baseCtx, jobID, 0)
			return
		}
		defer o.sem.Release(1)
		o.execute(o.baseCtx, jobID)
	}()

	return job, nil
}

// Run registers the job and executes it on the calling goroutine. It returns
// the terminal job.
func (o *Orchestrator) Run(ctx context.Context, jobID string, toolOrder []string) (*types.Job, error) {
	if _, err := o.accept(jobID, toolOrder); err != nil {
		return nil, err
	}
	o.execute(ctx, jobID)
	return o.registry.Get(jobID)
}

// Shutdown stops accepting jobs and waits for in-flight jobs. When ctx
// expires first, running tools are canceled and their jobs fail.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) accept(jobID string, toolOrder []string) (*types.Job, error) {
	if _, err := o.registry.Create(jobID, toolOrder); err != nil {
		return nil, err
	}
	job, err := o.registry.Update(jobID, func(j *types.Job) error {
		return j.Start(o.now())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start job %s: %w", jobID, err)
	}
	if o.opts.Metrics != nil {
		o.opts.Metrics.JobStarted()
	}
	o.logger.WithFields(logrus.Fields{"job_id": jobID, "tools": toolOrder}).Info("Accepted analysis job")
	o.emit(job, "", "", "Analysis started")
	return job, nil
}

func (o *Orchestrator) execute(ctx context.Context, jobID string) {
	started := o.now()
	ctx, span := observability.AddSpan(ctx, o.tracer, "pipeline.job", attribute.String("job.id", jobID))
	defer span.End()

	o.dispatch(ctx, jobID)

	job := o.finish(ctx, jobID, o.now().Sub(started))
	if job != nil && job.Status == types.JobStatusFailed {
		span.SetStatus(codes.Error, job.Error)
	}
}

// dispatch runs every tool in order. It returns once the job is terminal.
func (o *Orchestrator) dispatch(ctx context.Context, jobID string) {
	log := o.logger.WithField("job_id", jobID)

	job, err := o.registry.Get(jobID)
	if err != nil {
		log.WithError(err).Error("Job vanished before dispatch")
		return
	}
	order := job.ToolOrder

	if len(order) == 0 {
		o.fail(jobID, "no tools requested")
		return
	}

	adapters := make([]tools.Adapter, len(order))
	var unknown []string
	for i, name := range order {
		a, ok := o.tools.Get(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		adapters[i] = a
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		o.fail(jobID, "unknown tools: "+strings.Join(unknown, ", "))
		return
	}

	outputDir, err := o.artifacts.ResultsDir(jobID)
	if err != nil {
		o.fail(jobID, fmt.Sprintf("failed to prepare results directory: %v", err))
		return
	}

	for i, name := range order {
		if ctx.Err() != nil {
			o.fail(jobID, fmt.Sprintf("analysis interrupted before %s: %v", name, ctx.Err()))
			return
		}

		artifactPath, err := o.artifacts.PathOf(jobID)
		if err != nil {
			o.fail(jobID, fmt.Sprintf("artifact unavailable before %s: %v", name, err))
			return
		}

		job, err := o.registry.Update(jobID, func(j *types.Job) error { return j.BeginTool(i) })
		if err != nil {
			log.WithError(err).WithField("tool", name).Error("Failed to record tool start")
			return
		}
		o.emit(job, name, types.ToolStatusRunning, "Running "+name)
		log.WithFields(logrus.Fields{"tool": name, "progress": job.Progress}).Info("Running tool")

		result, panicErr := o.invoke(ctx, adapters[i], tools.Invocation{ArtifactPath: artifactPath, OutputDir: outputDir})
		if panicErr != nil {
			log.WithError(panicErr).WithField("tool", name).Error("Tool adapter panicked")
			o.recordPanic(jobID, i, name, panicErr)
			return
		}

		if o.opts.Metrics != nil {
			o.opts.Metrics.ToolFinished(name, string(result.Status), time.Duration(result.DurationMs)*time.Millisecond)
		}

		// A tool cut short by cancellation keeps its result but never
		// completes the job.
		interrupted := ctx.Err()
		last := i == len(order)-1
		job, err = o.registry.Update(jobID, func(j *types.Job) error {
			if err := j.FinishTool(i, result); err != nil {
				return err
			}
			if interrupted != nil {
				return j.Fail(fmt.Sprintf("analysis interrupted during %s: %v", name, interrupted), o.now())
			}
			if last {
				return j.Complete(o.now())
			}
			return nil
		})
		if err != nil {
			log.WithError(err).WithField("tool", name).Error("Failed to record tool result")
			return
		}

		fields := logrus.Fields{"tool": name, "status": result.Status, "duration_ms": result.DurationMs}
		if result.Status == types.ToolStatusError {
			log.WithFields(fields).WithField("error", result.Error).Warn("Tool finished with error")
		} else {
			log.WithFields(fields).Info("Tool finished")
		}
		o.emit(job, name, result.Status, fmt.Sprintf("%s finished: %s", name, result.Status))
		if interrupted != nil {
			return
		}
	}
}

// invoke runs one adapter under its own span. A panic inside the adapter is
// returned as an error instead of unwinding the dispatch loop.
func (o *Orchestrator) invoke(ctx context.Context, a tools.Adapter, inv tools.Invocation) (result types.ToolResult, err error) {
	ctx, span := observability.AddSpan(ctx, o.tracer, "tool."+a.Name(), attribute.String("tool.name", a.Name()))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			o.logger.WithField("stack", string(debug.Stack())).Debug("Recovered adapter panic")
			err = fmt.Errorf("%s adapter panicked: %v", a.Name(), r)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	result = normalize(a.Name(), a.Run(ctx, inv))
	span.SetAttributes(attribute.String("tool.status", string(result.Status)))
	if result.Status == types.ToolStatusError {
		span.SetStatus(codes.Error, result.Error)
	}
	return result, nil
}

// normalize makes sure a stored result always carries a final status.
func normalize(tool string, res types.ToolResult) types.ToolResult {
	res.Tool = tool
	if !res.Status.IsFinal() {
		res.Error = fmt.Sprintf("adapter returned invalid status %q", res.Status)
		res.Status = types.ToolStatusError
	}
	if res.Status == types.ToolStatusError && res.Error == "" {
		res.Error = "tool failed without a reason"
	}
	if res.Status != types.ToolStatusError {
		res.Error = ""
	}
	return res
}

func (o *Orchestrator) recordPanic(jobID string, i int, tool string, panicErr error) {
	_, err := o.registry.Update(jobID, func(j *types.Job) error {
		if err := j.FinishTool(i, types.ToolResult{Tool: tool, Status: types.ToolStatusError, Error: panicErr.Error()}); err != nil {
			return err
		}
		return j.Fail(panicErr.Error(), o.now())
	})
	if err != nil {
		o.logger.WithError(err).WithField("job_id", jobID).Error("Failed to record adapter panic")
	}
}

func (o *Orchestrator) fail(jobID, reason string) {
	_, err := o.registry.Update(jobID, func(j *types.Job) error {
		return j.Fail(reason, o.now())
	})
	if err != nil {
		o.logger.WithError(err).WithField("job_id", jobID).Error("Failed to mark job failed")
	}
}

// finish archives, publishes and reports a terminal job and returns it.
func (o *Orchestrator) finish(ctx context.Context, jobID string, elapsed time.Duration) *types.Job {
	job, err := o.registry.Get(jobID)
	if err != nil {
		o.logger.WithError(err).WithField("job_id", jobID).Error("Job vanished before finish")
		return nil
	}
	log := o.logger.WithFields(logrus.Fields{"job_id": jobID, "status": job.Status, "duration": elapsed})

	// Archive and publish even when ctx was canceled during shutdown.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if o.opts.Archive != nil {
		if err := o.opts.Archive.SaveJob(saveCtx, job); err != nil {
			log.WithError(err).Warn("Failed to archive job")
		}
	}
	if o.opts.Events != nil {
		if err := o.opts.Events.PublishJobFinished(saveCtx, job); err != nil {
			log.WithError(err).Warn("Failed to publish job event")
		}
	}
	if o.opts.Metrics != nil {
		o.opts.Metrics.JobFinished(string(job.Status), elapsed)
	}

	if job.Status == types.JobStatusFailed {
		log.WithField("error", job.Error).Warn("Analysis job failed")
		o.emit(job, "", "", "Analysis failed: "+job.Error)
	} else {
		log.Info("Analysis job completed")
		o.emit(job, "", "", "Analysis completed")
	}
	return job
}

func (o *Orchestrator) emit(job *types.Job, tool string, result types.ToolStatus, message string) {
	if o.opts.OnProgress == nil || job == nil {
		return
	}
	o.opts.OnProgress(ProgressEvent{
		JobID:    job.ID,
		Status:   job.Status,
		Tool:     tool,
		Progress: job.Progress,
		Result:   result,
		Message:  message,
	})
}
