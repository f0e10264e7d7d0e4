package task

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ecs"
)

// FailureReason classifies why a supervised task did not succeed
type FailureReason string

const (
	// ReasonServiceFailure indicates ECS reported failures on the
	// terminal describe call
	ReasonServiceFailure FailureReason = "service-reported-failure"

	// ReasonHostTerminated indicates the instance under the task died
	ReasonHostTerminated FailureReason = "host-terminated"

	// ReasonContainerNonZeroExit indicates a container stopped with a
	// non-zero exit code
	ReasonContainerNonZeroExit FailureReason = "container-nonzero-exit"

	// ReasonContainerPending indicates a container never left the
	// pending state
	ReasonContainerPending FailureReason = "container-still-pending"

	// ReasonContainerLaunchError indicates a container failed to launch
	ReasonContainerLaunchError FailureReason = "container-launch-error"
)

// TaskFailedError reports a task that reached a stopped state without
// succeeding
type TaskFailedError struct {
	Reason FailureReason
	Detail string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("Task failed (%s): %s", e.Reason, e.Detail)
}

// ECS stops tasks with this reason when the backing instance goes away, and
// in that case there may be no container-level signal at all.
// https://docs.aws.amazon.com/AmazonECS/latest/developerguide/stopped-task-errors.html
var hostTerminatedPattern = regexp.MustCompile(
	`^Host EC2 \(instance .+?\) (stopped|terminated)\.`)

// Evaluate inspects the terminal description of a task and returns nil if
// it succeeded, or a TaskFailedError classifying the first failure found.
// The checks run in a fixed order: service-level failures, then host
// termination, then container states in the order the service reports them.
// The result is deterministic for a given description.
func Evaluate(output *ecs.DescribeTasksOutput) error {

	if len(output.Failures) > 0 {
		return &TaskFailedError{
			Reason: ReasonServiceFailure,
			Detail: failureDetail(output.Failures),
		}
	}

	for _, task := range output.Tasks {
		stoppedReason := aws.StringValue(task.StoppedReason)
		if hostTerminatedPattern.MatchString(stoppedReason) {
			return &TaskFailedError{
				Reason: ReasonHostTerminated,
				Detail: stoppedReason,
			}
		}
		for _, container := range task.Containers {
			name := aws.StringValue(container.Name)
			lastStatus := aws.StringValue(container.LastStatus)
			reason := aws.StringValue(container.Reason)

			if lastStatus == "STOPPED" && aws.Int64Value(container.ExitCode) != 0 {
				return &TaskFailedError{
					Reason: ReasonContainerNonZeroExit,
					Detail: fmt.Sprintf("container %s exited with code %d",
						name, aws.Int64Value(container.ExitCode)),
				}
			}
			if lastStatus == "PENDING" {
				return &TaskFailedError{
					Reason: ReasonContainerPending,
					Detail: fmt.Sprintf("container %s is still pending", name),
				}
			}
			// The free-text reason has no structure; matching on the word
			// "error" is a heuristic carried over from operational
			// experience with ECS agent messages.
			if strings.Contains(strings.ToLower(reason), "error") {
				return &TaskFailedError{
					Reason: ReasonContainerLaunchError,
					Detail: fmt.Sprintf("container %s: %s", name, reason),
				}
			}
		}
	}
	return nil
}

func failureDetail(failures []*ecs.Failure) string {
	messages := make([]string, 0, len(failures))
	for _, f := range failures {
		msg := aws.StringValue(f.Reason)
		if detail := aws.StringValue(f.Detail); detail != "" {
			msg = fmt.Sprintf("%s (%s)", msg, detail)
		}
		if arn := aws.StringValue(f.Arn); arn != "" {
			msg = fmt.Sprintf("%s: %s", arn, msg)
		}
		messages = append(messages, msg)
	}
	return strings.Join(messages, "; ")
}
