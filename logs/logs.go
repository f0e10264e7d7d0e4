// Copyright 2020 Fugue, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package logs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
)

// Event is a single line emitted to a task's log stream
type Event struct {
	Timestamp int64  `json:"timestamp"` // milliseconds since the epoch
	Message   string `json:"message"`
}

// Time returns the event timestamp
func (e Event) Time() time.Time {
	return time.Unix(0, e.Timestamp*int64(time.Millisecond))
}

// API is the subset of the CloudWatch Logs client used to read task logs
type API interface {
	GetLogEventsWithContext(aws.Context, *cloudwatchlogs.GetLogEventsInput, ...request.Option) (*cloudwatchlogs.GetLogEventsOutput, error)
}

// Config selects the log group and stream prefix configured on the task's
// awslogs driver. The zero value disables log reporting.
type Config struct {
	Group        string `json:"group"`
	Region       string `json:"region"`
	StreamPrefix string `json:"stream_prefix"`
}

// Enabled returns true if log reporting is configured
func (c Config) Enabled() bool {
	return c.Group != "" && c.StreamPrefix != ""
}

// StreamName derives the log stream written by a task. The awslogs driver
// names streams prefix-name/container-name/ecs-task-id, with the task ID
// being the last path component of the task ARN.
// https://docs.aws.amazon.com/AmazonECS/latest/developerguide/using_awslogs.html
func StreamName(prefix, taskARN string) string {
	parts := strings.Split(taskARN, "/")
	return fmt.Sprintf("%s/%s", prefix, parts[len(parts)-1])
}

// Reader retrieves the events in one log stream. Reads always start from
// the head of the stream, so a Reader may be re-queried at any time and
// yields the same prefix of events.
type Reader struct {
	api    API
	group  string
	stream string
}

// NewReader returns a Reader for one log stream
func NewReader(api API, group, stream string) *Reader {
	return &Reader{api: api, group: group, stream: stream}
}

// Events returns the ordered events currently in the stream. CloudWatch
// pages results; the stream is exhausted when the forward token repeats.
func (r *Reader) Events(ctx context.Context) ([]Event, error) {

	var events []Event
	var token *string

	for {
		input := &cloudwatchlogs.GetLogEventsInput{
			LogGroupName:  aws.String(r.group),
			LogStreamName: aws.String(r.stream),
			StartFromHead: aws.Bool(true),
		}
		if token != nil {
			input.NextToken = token
		}
		output, err := r.api.GetLogEventsWithContext(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Failed to get log events %s/%s: %s",
				r.group, r.stream, err)
		}
		for _, event := range output.Events {
			events = append(events, Event{
				Timestamp: aws.Int64Value(event.Timestamp),
				Message:   aws.StringValue(event.Message),
			})
		}
		next := output.NextForwardToken
		if next == nil || (token != nil && *next == *token) {
			return events, nil
		}
		token = next
	}
}

// LastMessage returns the final message in the stream. The boolean is false
// when the stream is empty.
func (r *Reader) LastMessage(ctx context.Context) (string, bool, error) {
	events, err := r.Events(ctx)
	if err != nil {
		return "", false, err
	}
	if len(events) == 0 {
		return "", false, nil
	}
	return events[len(events)-1].Message, true, nil
}
