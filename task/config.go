package task

import (
	"errors"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ecs"

	"github.com/fugue/ecsrun/logs"
)

// DefaultPlatformVersion is attached to Fargate and capacity provider
// launches when no platform version is configured
const DefaultPlatformVersion = "LATEST"

// RunConfig describes what to launch. Overrides is handed to ECS verbatim;
// callers may re-render it per invocation but it is opaque here.
type RunConfig struct {
	TaskDefinition           string
	Cluster                  string
	Overrides                *ecs.TaskOverride
	LaunchType               string
	CapacityProviderStrategy []*ecs.CapacityProviderStrategyItem
	PlatformVersion          string
	Group                    string
	PlacementConstraints     []*ecs.PlacementConstraint
	PlacementStrategy        []*ecs.PlacementStrategy
	NetworkConfiguration     *ecs.NetworkConfiguration
	Tags                     map[string]string
	PropagateTags            string
	Logs                     logs.Config
}

// Validate confirms the required fields are set
func (c RunConfig) Validate() error {
	if c.Cluster == "" {
		return errors.New("Cluster unset")
	}
	if c.TaskDefinition == "" {
		return errors.New("TaskDefinition unset")
	}
	return nil
}

// RunTaskInput derives the ECS start request from the configuration. A
// capacity provider strategy takes precedence over the launch type and
// forces a platform version; otherwise the launch type governs and a
// platform version is attached only for Fargate.
func (c RunConfig) RunTaskInput(startedBy string) *ecs.RunTaskInput {

	input := &ecs.RunTaskInput{
		Cluster:        aws.String(c.Cluster),
		TaskDefinition: aws.String(c.TaskDefinition),
		Overrides:      c.Overrides,
	}
	if startedBy != "" {
		input.StartedBy = aws.String(startedBy)
	}

	platformVersion := c.PlatformVersion
	if platformVersion == "" {
		platformVersion = DefaultPlatformVersion
	}
	if len(c.CapacityProviderStrategy) > 0 {
		input.CapacityProviderStrategy = c.CapacityProviderStrategy
		input.PlatformVersion = aws.String(platformVersion)
	} else if c.LaunchType != "" {
		input.LaunchType = aws.String(c.LaunchType)
		if c.LaunchType == ecs.LaunchTypeFargate {
			input.PlatformVersion = aws.String(platformVersion)
		}
	}

	if c.Group != "" {
		input.Group = aws.String(c.Group)
	}
	if len(c.PlacementConstraints) > 0 {
		input.PlacementConstraints = c.PlacementConstraints
	}
	if len(c.PlacementStrategy) > 0 {
		input.PlacementStrategy = c.PlacementStrategy
	}
	if c.NetworkConfiguration != nil {
		input.NetworkConfiguration = c.NetworkConfiguration
	}
	if len(c.Tags) > 0 {
		keys := make([]string, 0, len(c.Tags))
		for k := range c.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			input.Tags = append(input.Tags, &ecs.Tag{
				Key:   aws.String(k),
				Value: aws.String(c.Tags[k]),
			})
		}
	}
	if c.PropagateTags != "" {
		input.PropagateTags = aws.String(c.PropagateTags)
	}
	return input
}
