package task

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/cenkalti/backoff/v4"
)

// Failure reasons ECS returns when a cluster has no capacity left for the
// requested CPU or memory. Only these launch rejections are transient
// enough to retry.
var quotaReasons = []string{"RESOURCE:CPU", "RESOURCE:MEMORY"}

// LaunchError indicates ECS rejected the start request. The response
// carried failures instead of a task.
type LaunchError struct {
	Failures []*ecs.Failure
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("Failed to launch task: %s", failureDetail(e.Failures))
}

// Quota returns true if any failure reason indicates a CPU or memory
// resource quota
func (e *LaunchError) Quota() bool {
	for _, failure := range e.Failures {
		reason := aws.StringValue(failure.Reason)
		for _, quotaReason := range quotaReasons {
			if strings.Contains(reason, quotaReason) {
				return true
			}
		}
	}
	return false
}

// IsQuotaFailure returns true if the error is a launch rejection caused by
// an ECS resource quota
func IsQuotaFailure(err error) bool {
	var launchErr *LaunchError
	if errors.As(err, &launchErr) {
		return launchErr.Quota()
	}
	return false
}

// retryStart invokes start through the configured retry policy. Only quota
// rejections are eligible for another attempt; everything else propagates
// immediately. Attempts never overlap since backoff.Retry is synchronous.
func (s *Supervisor) retryStart(ctx context.Context) error {

	policy := s.opts.QuotaRetry
	if policy == nil {
		policy = &backoff.StopBackOff{}
	}

	operation := func() error {
		err := s.start(ctx)
		if err != nil && !IsQuotaFailure(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}
