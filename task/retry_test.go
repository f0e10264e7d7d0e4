package task

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/stretchr/testify/assert"
)

func launchErr(reasons ...string) *LaunchError {
	var failures []*ecs.Failure
	for _, reason := range reasons {
		failures = append(failures, &ecs.Failure{Reason: aws.String(reason)})
	}
	return &LaunchError{Failures: failures}
}

func TestLaunchErrorQuota(t *testing.T) {
	assert.True(t, launchErr("RESOURCE:CPU").Quota())
	assert.True(t, launchErr("RESOURCE:MEMORY").Quota())
	assert.True(t, launchErr("AGENT", "RESOURCE:CPU").Quota())
	assert.False(t, launchErr("AGENT").Quota())
	assert.False(t, launchErr("MISSING").Quota())
	assert.False(t, launchErr().Quota())
}

func TestIsQuotaFailure(t *testing.T) {
	assert.True(t, IsQuotaFailure(launchErr("RESOURCE:CPU")))
	assert.False(t, IsQuotaFailure(launchErr("AGENT")))
	assert.False(t, IsQuotaFailure(errors.New("boom")))
	assert.False(t, IsQuotaFailure(nil))

	// Wrapped launch errors are still recognized
	wrapped := fmt.Errorf("start failed: %w", launchErr("RESOURCE:MEMORY"))
	assert.True(t, IsQuotaFailure(wrapped))
}

func TestLaunchErrorMessage(t *testing.T) {
	err := &LaunchError{Failures: []*ecs.Failure{{
		Arn:    aws.String("arn:aws:ecs:us-east-2:012345678910:container-instance/x"),
		Reason: aws.String("RESOURCE:CPU"),
	}}}
	assert.Contains(t, err.Error(), "Failed to launch task")
	assert.Contains(t, err.Error(), "RESOURCE:CPU")
}
