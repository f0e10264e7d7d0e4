package task

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/fugue/ecsrun/logs"
	"github.com/fugue/ecsrun/store"
)

// StopReason is attached to the stop request issued when a supervised run
// is cancelled
const StopReason = "Task killed by the user"

const stopTimeout = 30 * time.Second

// Options configures a Supervisor
type Options struct {

	// ECS client used for all task operations
	ECS ECSAPI

	// Logs client used to retrieve task output. May be nil when the
	// configuration has no log reporting.
	Logs logs.API

	// Store maps the correlation key to a running task ARN. Required
	// when Reattach is set.
	Store store.Store

	// Config describes the task to launch
	Config RunConfig

	// StartedBy identifies who launched the task
	StartedBy string

	// Reattach adopts a task previously launched under CorrelationKey
	// instead of starting a new one, if it is still running
	Reattach bool

	// CorrelationKey is stable across retries of the same unit of work
	CorrelationKey string

	// QuotaRetry shapes retries of starts rejected by resource quotas.
	// Nil means a single attempt.
	QuotaRetry backoff.BackOff

	Logger *logrus.Logger
}

// Result of a supervised run that succeeded
type Result struct {

	// Task that ran
	Task Task

	// LastMessage is the final line the task logged, when log reporting
	// is configured and the stream is non-empty
	LastMessage string

	// HasLogs is false when no log configuration is present or the
	// stream was empty
	HasLogs bool
}

// Supervisor drives one task from launch (or reattach) to a terminal
// state. A Supervisor supervises exactly one task and is not reusable.
type Supervisor struct {
	opts   Options
	api    ECSAPI
	task   Task
	logger *logrus.Logger
}

// New returns a Supervisor for one run of the given configuration
func New(opts Options) (*Supervisor, error) {
	if opts.ECS == nil {
		return nil, errors.New("ECS client unset")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Reattach {
		if opts.Store == nil {
			return nil, errors.New("Store unset")
		}
		if opts.CorrelationKey == "" {
			return nil, errors.New("CorrelationKey unset")
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Supervisor{
		opts:   opts,
		api:    opts.ECS,
		logger: logger,
	}, nil
}

// Run drives the task to completion and returns the outcome. The context
// is the sole deadline mechanism: no internal timeout is applied while
// waiting, and cancelling the context interrupts the wait, issues a
// best-effort stop request, and returns the context's error.
func (s *Supervisor) Run(ctx context.Context) (*Result, error) {

	s.logger.WithFields(logrus.Fields{
		"taskDefinition": s.opts.Config.TaskDefinition,
		"cluster":        s.opts.Config.Cluster,
	}).Info("Running ECS task")

	if s.opts.Reattach {
		if err := s.reattach(ctx); err != nil {
			return nil, err
		}
	}
	if s.task.ARN == "" {
		if err := s.retryStart(ctx); err != nil {
			return nil, err
		}
	}

	if err := s.waitStopped(ctx); err != nil {
		if ctx.Err() != nil {
			s.stop()
			return nil, ctx.Err()
		}
		return nil, err
	}

	result, verdictErr := s.evaluate(ctx)

	// The run is terminal either way and can no longer be reattached
	if s.opts.Reattach {
		if err := s.opts.Store.Delete(ctx, s.opts.CorrelationKey); err != nil {
			s.logger.WithError(err).Warn("Failed to clear reattach entry")
		}
	}
	if verdictErr != nil {
		return nil, verdictErr
	}
	s.logger.Info("ECS task has been successfully executed")
	return result, nil
}

// reattach adopts a previously launched task if one is recorded for the
// correlation key and still running. A miss is not an error; the caller
// falls through to a fresh start.
func (s *Supervisor) reattach(ctx context.Context) error {

	definition, err := s.api.DescribeTaskDefinitionWithContext(ctx,
		&ecs.DescribeTaskDefinitionInput{
			TaskDefinition: aws.String(s.opts.Config.TaskDefinition),
		})
	if err != nil {
		return fmt.Errorf("Failed to describe task definition %s: %s",
			s.opts.Config.TaskDefinition, err)
	}
	family := aws.StringValue(definition.TaskDefinition.Family)

	running, err := s.api.ListTasksWithContext(ctx, &ecs.ListTasksInput{
		Cluster:       aws.String(s.opts.Config.Cluster),
		Family:        aws.String(family),
		DesiredStatus: aws.String(ecs.DesiredStatusRunning),
	})
	if err != nil {
		return fmt.Errorf("Failed to list running tasks in family %s: %s",
			family, err)
	}

	previousARN, err := s.opts.Store.Get(ctx, s.opts.CorrelationKey)
	if err != nil {
		if store.IsNotFound(err) {
			s.logger.Info("No previously launched task found to reattach")
			return nil
		}
		return err
	}

	for _, arn := range running.TaskArns {
		if aws.StringValue(arn) == previousARN {
			s.adopt(previousARN)
			s.logger.WithField("arn", previousARN).
				Info("Reattaching previously launched task")
			return nil
		}
	}
	s.logger.Info("No active previously launched task found to reattach")
	return nil
}

// start launches the task. A response carrying failures is a hard
// LaunchError; retry eligibility is decided by the caller.
func (s *Supervisor) start(ctx context.Context) error {

	input := s.opts.Config.RunTaskInput(s.opts.StartedBy)

	output, err := s.api.RunTaskWithContext(ctx, input)
	if err != nil {
		return fmt.Errorf("Failed to run task: %s", err)
	}
	if len(output.Failures) > 0 {
		return &LaunchError{Failures: output.Failures}
	}
	if len(output.Tasks) == 0 {
		return fmt.Errorf("Failed to run task: %s", output.String())
	}

	s.adopt(aws.StringValue(output.Tasks[0].TaskArn))
	s.logger.WithFields(logrus.Fields{
		"arn": s.task.ARN,
		"id":  s.task.ID,
	}).Info("ECS task started")

	if s.opts.Reattach {
		if err := s.opts.Store.Put(ctx, s.opts.CorrelationKey, s.task.ARN); err != nil {
			return fmt.Errorf("Failed to record task for reattach: %s", err)
		}
	}
	return nil
}

func (s *Supervisor) adopt(arn string) {
	s.task = Task{
		ARN:     arn,
		ID:      ID(arn),
		Cluster: s.opts.Config.Cluster,
	}
}

// waitStopped blocks until the task reaches a stopped state. Deadline
// policy belongs to the caller, so the waiter's attempt limit is raised
// high enough to be effectively unbounded; the context remains the way
// to interrupt it.
func (s *Supervisor) waitStopped(ctx context.Context) error {
	err := s.api.WaitUntilTasksStoppedWithContext(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(s.task.Cluster),
		Tasks:   []*string{aws.String(s.task.ARN)},
	}, request.WithWaiterMaxAttempts(math.MaxInt32))
	if err != nil {
		return fmt.Errorf("Failed to wait until task stopped: %s", err)
	}
	return nil
}

// stop issues a best-effort stop request for the current task. It runs on
// its own context since the caller's is already cancelled.
func (s *Supervisor) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	_, err := s.api.StopTaskWithContext(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(s.task.Cluster),
		Task:    aws.String(s.task.ARN),
		Reason:  aws.String(StopReason),
	})
	if err != nil {
		s.logger.WithError(err).Warn("Failed to stop task")
		return
	}
	s.logger.WithField("arn", s.task.ARN).Info("Stopped task")
}

// evaluate fetches the terminal description, surfaces the task's log
// output, and classifies the outcome
func (s *Supervisor) evaluate(ctx context.Context) (*Result, error) {

	output, err := s.api.DescribeTasksWithContext(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(s.task.Cluster),
		Tasks:   []*string{aws.String(s.task.ARN)},
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to describe task %s: %s", s.task.ARN, err)
	}

	events, logsErr := s.logEvents(ctx)
	if logsErr != nil {
		// Logs are for observability; their retrieval does not decide
		// the verdict
		s.logger.WithError(logsErr).Warn("Failed to retrieve task logs")
	}
	for _, event := range events {
		s.logger.WithField("timestamp",
			event.Time().Format(time.RFC3339)).Info(event.Message)
	}

	if err := Evaluate(output); err != nil {
		return nil, err
	}

	result := &Result{Task: s.task}
	if len(events) > 0 {
		result.LastMessage = events[len(events)-1].Message
		result.HasLogs = true
	}
	return result, nil
}

// logEvents returns the task's log events, or nothing when log reporting
// is not configured
func (s *Supervisor) logEvents(ctx context.Context) ([]logs.Event, error) {
	cfg := s.opts.Config.Logs
	if !cfg.Enabled() || s.opts.Logs == nil {
		return nil, nil
	}
	reader := logs.NewReader(s.opts.Logs, cfg.Group,
		logs.StreamName(cfg.StreamPrefix, s.task.ARN))
	return reader.Events(ctx)
}
