package task

import (
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ecs"
)

// ECSAPI is the subset of the ECS client used to run and supervise a task.
// The concrete *ecs.ECS client satisfies this interface.
type ECSAPI interface {
	RunTaskWithContext(aws.Context, *ecs.RunTaskInput, ...request.Option) (*ecs.RunTaskOutput, error)

	DescribeTasksWithContext(aws.Context, *ecs.DescribeTasksInput, ...request.Option) (*ecs.DescribeTasksOutput, error)

	StopTaskWithContext(aws.Context, *ecs.StopTaskInput, ...request.Option) (*ecs.StopTaskOutput, error)

	ListTasksWithContext(aws.Context, *ecs.ListTasksInput, ...request.Option) (*ecs.ListTasksOutput, error)

	DescribeTaskDefinitionWithContext(aws.Context, *ecs.DescribeTaskDefinitionInput, ...request.Option) (*ecs.DescribeTaskDefinitionOutput, error)

	WaitUntilTasksStoppedWithContext(aws.Context, *ecs.DescribeTasksInput, ...request.WaiterOption) error
}

// Task identifies one run on ECS
type Task struct {
	ARN     string `json:"arn"`
	ID      string `json:"id"`
	Cluster string `json:"cluster"`
}

// ID returns the task ID portion of a task ARN, which is its last
// path component
func ID(taskARN string) string {
	parts := strings.Split(taskARN, "/")
	return parts[len(parts)-1]
}
