package task

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fugue/ecsrun/logs"
	"github.com/fugue/ecsrun/store"
)

const testARN = "arn:aws:ecs:us-east-2:012345678910:task/c1/8e4a3bd9"

// fakeECS implements ECSAPI with canned responses and call recording
type fakeECS struct {
	mu sync.Mutex

	runOutputs []*ecs.RunTaskOutput // consumed in order
	runInputs  []*ecs.RunTaskInput

	describeOutput *ecs.DescribeTasksOutput
	describeCalls  int

	listOutput       *ecs.ListTasksOutput
	definitionOutput *ecs.DescribeTaskDefinitionOutput

	stopInputs []*ecs.StopTaskInput

	waitFunc  func(aws.Context) error
	waitCalls int
}

func (f *fakeECS) RunTaskWithContext(ctx aws.Context, input *ecs.RunTaskInput, opts ...request.Option) (*ecs.RunTaskOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runInputs = append(f.runInputs, input)
	if len(f.runOutputs) == 0 {
		return nil, fmt.Errorf("no response configured")
	}
	output := f.runOutputs[0]
	f.runOutputs = f.runOutputs[1:]
	return output, nil
}

func (f *fakeECS) DescribeTasksWithContext(ctx aws.Context, input *ecs.DescribeTasksInput, opts ...request.Option) (*ecs.DescribeTasksOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeCalls++
	return f.describeOutput, nil
}

func (f *fakeECS) StopTaskWithContext(ctx aws.Context, input *ecs.StopTaskInput, opts ...request.Option) (*ecs.StopTaskOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopInputs = append(f.stopInputs, input)
	return &ecs.StopTaskOutput{}, nil
}

func (f *fakeECS) ListTasksWithContext(ctx aws.Context, input *ecs.ListTasksInput, opts ...request.Option) (*ecs.ListTasksOutput, error) {
	return f.listOutput, nil
}

func (f *fakeECS) DescribeTaskDefinitionWithContext(ctx aws.Context, input *ecs.DescribeTaskDefinitionInput, opts ...request.Option) (*ecs.DescribeTaskDefinitionOutput, error) {
	return f.definitionOutput, nil
}

func (f *fakeECS) WaitUntilTasksStoppedWithContext(ctx aws.Context, input *ecs.DescribeTasksInput, opts ...request.WaiterOption) error {
	f.mu.Lock()
	f.waitCalls++
	f.mu.Unlock()
	if f.waitFunc != nil {
		return f.waitFunc(ctx)
	}
	return nil
}

type memStore struct {
	mu      sync.Mutex
	values  map[string]string
	puts    int
	deletes int
}

func newMemStore() *memStore {
	return &memStore{values: map[string]string{}}
}

func (m *memStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[key]
	if !ok {
		return "", store.NotFound(fmt.Sprintf("Not found: %s", key))
	}
	return value, nil
}

func (m *memStore) Put(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.puts++
	return nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	m.deletes++
	return nil
}

// fakeLogs serves a single page of events for any stream
type fakeLogs struct {
	events  []*cloudwatchlogs.OutputLogEvent
	streams []string
}

func (f *fakeLogs) GetLogEventsWithContext(ctx aws.Context, input *cloudwatchlogs.GetLogEventsInput, opts ...request.Option) (*cloudwatchlogs.GetLogEventsOutput, error) {
	f.streams = append(f.streams, aws.StringValue(input.LogStreamName))
	if input.NextToken != nil {
		return &cloudwatchlogs.GetLogEventsOutput{
			NextForwardToken: input.NextToken,
		}, nil
	}
	return &cloudwatchlogs.GetLogEventsOutput{
		Events:           f.events,
		NextForwardToken: aws.String("end"),
	}, nil
}

func runOK() *ecs.RunTaskOutput {
	return &ecs.RunTaskOutput{
		Tasks: []*ecs.Task{{TaskArn: aws.String(testARN)}},
	}
}

func runRejected(reason string) *ecs.RunTaskOutput {
	return &ecs.RunTaskOutput{
		Failures: []*ecs.Failure{{
			Arn:    aws.String("arn:aws:ecs:us-east-2:012345678910:container-instance/x"),
			Reason: aws.String(reason),
		}},
	}
}

func stoppedOK() *ecs.DescribeTasksOutput {
	return &ecs.DescribeTasksOutput{
		Tasks: []*ecs.Task{{
			TaskArn: aws.String(testARN),
			Containers: []*ecs.Container{{
				Name:       aws.String("app"),
				LastStatus: aws.String("STOPPED"),
				ExitCode:   aws.Int64(0),
			}},
		}},
	}
}

func testConfig() RunConfig {
	return RunConfig{
		TaskDefinition: "my-def:3",
		Cluster:        "c1",
	}
}

func TestSupervisorValidation(t *testing.T) {

	_, err := New(Options{Config: testConfig()})
	assert.Equal(t, "ECS client unset", err.Error())

	_, err = New(Options{ECS: &fakeECS{}, Config: RunConfig{Cluster: "c1"}})
	assert.Equal(t, "TaskDefinition unset", err.Error())

	_, err = New(Options{ECS: &fakeECS{}, Config: testConfig(), Reattach: true})
	assert.Equal(t, "Store unset", err.Error())

	_, err = New(Options{
		ECS:      &fakeECS{},
		Config:   testConfig(),
		Reattach: true,
		Store:    newMemStore(),
	})
	assert.Equal(t, "CorrelationKey unset", err.Error())
}

func TestSupervisorRunSuccess(t *testing.T) {

	api := &fakeECS{
		runOutputs:     []*ecs.RunTaskOutput{runOK()},
		describeOutput: stoppedOK(),
	}
	logsAPI := &fakeLogs{
		events: []*cloudwatchlogs.OutputLogEvent{
			{Timestamp: aws.Int64(1000), Message: aws.String("hello")},
			{Timestamp: aws.Int64(2000), Message: aws.String("goodbye")},
		},
	}

	cfg := testConfig()
	cfg.Logs = logs.Config{Group: "/aws/ecs/app", StreamPrefix: "app/app"}

	s, err := New(Options{ECS: api, Logs: logsAPI, Config: cfg, StartedBy: "tester"})
	require.Nil(t, err)

	result, err := s.Run(context.Background())
	require.Nil(t, err)

	assert.Equal(t, testARN, result.Task.ARN)
	assert.Equal(t, "8e4a3bd9", result.Task.ID)
	assert.True(t, result.HasLogs)
	assert.Equal(t, "goodbye", result.LastMessage)

	// Log stream derived from the prefix and the task ID
	require.NotEmpty(t, logsAPI.streams)
	assert.Equal(t, "app/app/8e4a3bd9", logsAPI.streams[0])

	require.Len(t, api.runInputs, 1)
	assert.Equal(t, "tester", aws.StringValue(api.runInputs[0].StartedBy))
	assert.Equal(t, 1, api.waitCalls)
	assert.Equal(t, 1, api.describeCalls)
}

// No log configuration: the result reports absence, not an error
func TestSupervisorRunNoLogs(t *testing.T) {

	api := &fakeECS{
		runOutputs:     []*ecs.RunTaskOutput{runOK()},
		describeOutput: stoppedOK(),
	}
	s, err := New(Options{ECS: api, Config: testConfig()})
	require.Nil(t, err)

	result, err := s.Run(context.Background())
	require.Nil(t, err)
	assert.False(t, result.HasLogs)
	assert.Equal(t, "", result.LastMessage)
}

// A start rejected for CPU quota is retried; the second attempt wins
func TestSupervisorQuotaRetry(t *testing.T) {

	api := &fakeECS{
		runOutputs: []*ecs.RunTaskOutput{
			runRejected("RESOURCE:CPU"),
			runOK(),
		},
		describeOutput: stoppedOK(),
	}
	s, err := New(Options{
		ECS:        api,
		Config:     testConfig(),
		QuotaRetry: backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3),
	})
	require.Nil(t, err)

	result, err := s.Run(context.Background())
	require.Nil(t, err)
	assert.Equal(t, testARN, result.Task.ARN)
	assert.Len(t, api.runInputs, 2)
	assert.Equal(t, 1, api.waitCalls)
}

// Non-quota launch failures are not retried even with a policy configured
func TestSupervisorLaunchFailure(t *testing.T) {

	api := &fakeECS{
		runOutputs: []*ecs.RunTaskOutput{
			runRejected("AGENT"),
			runOK(),
		},
	}
	s, err := New(Options{
		ECS:        api,
		Config:     testConfig(),
		QuotaRetry: backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3),
	})
	require.Nil(t, err)

	_, err = s.Run(context.Background())
	require.NotNil(t, err)

	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.False(t, launchErr.Quota())
	assert.Len(t, api.runInputs, 1)
	assert.Equal(t, 0, api.waitCalls)
}

// Quota retries exhausting the policy surface the launch error
func TestSupervisorQuotaRetryExhausted(t *testing.T) {

	api := &fakeECS{
		runOutputs: []*ecs.RunTaskOutput{
			runRejected("RESOURCE:MEMORY"),
			runRejected("RESOURCE:MEMORY"),
		},
		describeOutput: stoppedOK(),
	}
	s, err := New(Options{
		ECS:        api,
		Config:     testConfig(),
		QuotaRetry: backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1),
	})
	require.Nil(t, err)

	_, err = s.Run(context.Background())
	require.NotNil(t, err)
	assert.True(t, IsQuotaFailure(err))
	assert.Len(t, api.runInputs, 2)
}

// With a stored ARN still in the running list, the supervisor adopts it
// and never starts a new task. The entry is cleared once the run is done.
func TestSupervisorReattach(t *testing.T) {

	api := &fakeECS{
		describeOutput: stoppedOK(),
		definitionOutput: &ecs.DescribeTaskDefinitionOutput{
			TaskDefinition: &ecs.TaskDefinition{Family: aws.String("my-def")},
		},
		listOutput: &ecs.ListTasksOutput{
			TaskArns: []*string{aws.String(testARN)},
		},
	}
	st := newMemStore()
	st.values["dag1/task1"] = testARN

	s, err := New(Options{
		ECS:            api,
		Store:          st,
		Config:         testConfig(),
		Reattach:       true,
		CorrelationKey: "dag1/task1",
	})
	require.Nil(t, err)

	result, err := s.Run(context.Background())
	require.Nil(t, err)
	assert.Equal(t, testARN, result.Task.ARN)
	assert.Len(t, api.runInputs, 0)
	assert.Equal(t, 1, api.waitCalls)
	assert.Equal(t, 1, st.deletes)
	assert.NotContains(t, st.values, "dag1/task1")
}

// A stored ARN that is no longer running is a miss: a new task starts and
// the store entry is overwritten
func TestSupervisorReattachMiss(t *testing.T) {

	api := &fakeECS{
		runOutputs:     []*ecs.RunTaskOutput{runOK()},
		describeOutput: stoppedOK(),
		definitionOutput: &ecs.DescribeTaskDefinitionOutput{
			TaskDefinition: &ecs.TaskDefinition{Family: aws.String("my-def")},
		},
		listOutput: &ecs.ListTasksOutput{TaskArns: []*string{}},
	}
	st := newMemStore()
	st.values["dag1/task1"] = "arn:aws:ecs:us-east-2:012345678910:task/c1/stale"

	s, err := New(Options{
		ECS:            api,
		Store:          st,
		Config:         testConfig(),
		Reattach:       true,
		CorrelationKey: "dag1/task1",
	})
	require.Nil(t, err)

	_, err = s.Run(context.Background())
	require.Nil(t, err)
	assert.Len(t, api.runInputs, 1)
	assert.Equal(t, 1, st.puts)
	assert.Equal(t, 1, st.deletes)
}

// Cancellation during the wait stops the task with the fixed reason and
// returns the context error rather than a task failure
func TestSupervisorCancel(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := &fakeECS{
		runOutputs:     []*ecs.RunTaskOutput{runOK()},
		describeOutput: stoppedOK(),
	}
	api.waitFunc = func(waitCtx aws.Context) error {
		cancel()
		<-waitCtx.Done()
		return waitCtx.Err()
	}

	s, err := New(Options{ECS: api, Config: testConfig()})
	require.Nil(t, err)

	_, err = s.Run(ctx)
	assert.Equal(t, context.Canceled, err)

	require.Len(t, api.stopInputs, 1)
	assert.Equal(t, StopReason, aws.StringValue(api.stopInputs[0].Reason))
	assert.Equal(t, testARN, aws.StringValue(api.stopInputs[0].Task))
	assert.Equal(t, 0, api.describeCalls)
}

// A failed verdict surfaces as a TaskFailedError and still clears the
// reattach entry
func TestSupervisorFailedTask(t *testing.T) {

	api := &fakeECS{
		runOutputs: []*ecs.RunTaskOutput{runOK()},
		describeOutput: &ecs.DescribeTasksOutput{
			Tasks: []*ecs.Task{{
				TaskArn: aws.String(testARN),
				Containers: []*ecs.Container{{
					Name:       aws.String("app"),
					LastStatus: aws.String("STOPPED"),
					ExitCode:   aws.Int64(1),
				}},
			}},
		},
	}
	st := newMemStore()

	s, err := New(Options{
		ECS:            api,
		Store:          st,
		Config:         testConfig(),
		Reattach:       true,
		CorrelationKey: "dag1/task1",
	})
	require.Nil(t, err)

	_, err = s.Run(context.Background())
	require.NotNil(t, err)

	var failed *TaskFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, ReasonContainerNonZeroExit, failed.Reason)
	assert.Equal(t, 1, st.deletes)
}
