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
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fugue/ecsrun/logs"
	"github.com/fugue/ecsrun/store"
	"github.com/fugue/ecsrun/task"
)

type runOptions struct {
	LaunchType        string
	CapacityProviders []string
	PlatformVersion   string
	Group             string
	StartedBy         string
	Tags              []string
	PropagateTags     string
	Subnets           []string
	SecurityGroups    []string
	AssignPublicIP    bool
	ContainerName     string
	Env               []string
	CPU               int64
	Memory            int64
	LogGroup          string
	LogRegion         string
	LogStreamPrefix   string
	Reattach          bool
	CorrelationKey    string
	QuotaRetries      int
	Bucket            string
	StateDir          string
	Jobs              int
}

func closeHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
		fmt.Println(Yellow(" Stopping task before exiting..."))
	}()
}

// NewRunCommand returns a command that runs a task and supervises it
// until it stops
func NewRunCommand() *cobra.Command {

	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run TASK_DEFINITION [TASK_DEFINITION...]",
		Short: "Run task definitions on ECS and wait for the results",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			closeHandler(cancel)

			region := viper.GetString("region")
			cluster := viper.GetString("cluster")
			if cluster == "" {
				fatal(errors.New("Cluster unset"))
			}
			if opts.Reattach && opts.CorrelationKey == "" {
				fatal(errors.New("Reattach requires --correlation-key"))
			}

			sess, err := getSession(region)
			if err != nil {
				fatal(err)
			}

			supervisors, err := buildSupervisors(sess, cluster, args, opts)
			if err != nil {
				fatal(err)
			}

			if len(supervisors) > 1 {
				if err := task.RunAll(ctx, supervisors, opts.Jobs); err != nil {
					fatal(err)
				}
				fmt.Println(Green("All tasks succeeded"))
				return
			}

			result, err := supervisors[0].Run(ctx)
			if err != nil {
				fmt.Fprintln(os.Stderr, Red("Task failed"))
				fatal(err)
			}
			fmt.Println(Green("Task succeeded:"), result.Task.ARN)
			if result.HasLogs {
				fmt.Println(result.LastMessage)
			}
		},
	}

	cmd.Flags().StringVar(&opts.LaunchType, "launch-type", ecs.LaunchTypeEc2, "Launch type (EC2 | FARGATE)")
	cmd.Flags().StringSliceVar(&opts.CapacityProviders, "capacity-provider", nil, "Capacity provider as name[:weight[:base]] (overrides launch type)")
	cmd.Flags().StringVar(&opts.PlatformVersion, "platform-version", "", "Fargate platform version")
	cmd.Flags().StringVar(&opts.Group, "group", "", "Task group name")
	cmd.Flags().StringVar(&opts.StartedBy, "started-by", "", "Identity recorded on the task")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "Task tags as KEY=VALUE")
	cmd.Flags().StringVar(&opts.PropagateTags, "propagate-tags", "", "Propagate tags from TASK_DEFINITION or SERVICE")
	cmd.Flags().StringSliceVar(&opts.Subnets, "subnets", nil, "Subnets for awsvpc networking")
	cmd.Flags().StringSliceVar(&opts.SecurityGroups, "security-groups", nil, "Security groups for awsvpc networking")
	cmd.Flags().BoolVar(&opts.AssignPublicIP, "public-ip", false, "Assign a public IP to the task")
	cmd.Flags().StringVar(&opts.ContainerName, "container-name", "", "Container to apply --env, --cpu, and --memory overrides to")
	cmd.Flags().StringSliceVar(&opts.Env, "env", nil, "Environment overrides as KEY=VALUE")
	cmd.Flags().Int64Var(&opts.CPU, "cpu", 0, "CPU override for the container")
	cmd.Flags().Int64Var(&opts.Memory, "memory", 0, "Memory override for the container (MiB)")
	cmd.Flags().StringVar(&opts.LogGroup, "logs-group", "", "CloudWatch log group for task output")
	cmd.Flags().StringVar(&opts.LogRegion, "logs-region", "", "Region of the log group (defaults to --region)")
	cmd.Flags().StringVar(&opts.LogStreamPrefix, "logs-stream-prefix", "", "Stream prefix configured on the awslogs driver")
	cmd.Flags().BoolVar(&opts.Reattach, "reattach", false, "Adopt a previously launched task if still running")
	cmd.Flags().StringVar(&opts.CorrelationKey, "correlation-key", "", "Stable key identifying this unit of work")
	cmd.Flags().IntVar(&opts.QuotaRetries, "quota-retries", 0, "Retries for starts rejected by CPU/memory quotas")
	cmd.Flags().StringVar(&opts.Bucket, "bucket", "", "S3 bucket for reattach state")
	cmd.Flags().StringVar(&opts.StateDir, "state-dir", "", "Directory for reattach state when no bucket is set")
	cmd.Flags().IntVar(&opts.Jobs, "jobs", 2, "Tasks to supervise in parallel")

	return cmd
}

func buildSupervisors(sess *session.Session, cluster string, definitions []string, opts runOptions) ([]*task.Supervisor, error) {

	cfg, err := buildConfig(cluster, opts)
	if err != nil {
		return nil, err
	}

	ecsAPI := ecs.New(sess)

	var logsAPI logs.API
	if cfg.Logs.Enabled() {
		logsSess := sess
		if cfg.Logs.Region != "" {
			logsSess, err = getSession(cfg.Logs.Region)
			if err != nil {
				return nil, err
			}
		}
		logsAPI = cloudwatchlogs.New(logsSess)
	}

	var st store.Store
	if opts.Reattach {
		st, err = getStore(sess, opts.Bucket, opts.StateDir)
		if err != nil {
			return nil, err
		}
	}

	var policy func() backoff.BackOff
	if opts.QuotaRetries > 0 {
		policy = func() backoff.BackOff {
			return backoff.WithMaxRetries(
				backoff.NewExponentialBackOff(), uint64(opts.QuotaRetries))
		}
	}

	startedBy := opts.StartedBy
	if startedBy == "" {
		startedBy = fmt.Sprintf("ecsrun/%s", UUID())
	}

	var supervisors []*task.Supervisor
	for _, definition := range definitions {

		taskCfg := cfg
		taskCfg.TaskDefinition = definition

		key := opts.CorrelationKey
		if len(definitions) > 1 {
			key = fmt.Sprintf("%s/%s", key, definition)
		}

		supervisorOpts := task.Options{
			ECS:            ecsAPI,
			Logs:           logsAPI,
			Store:          st,
			Config:         taskCfg,
			StartedBy:      startedBy,
			Reattach:       opts.Reattach,
			CorrelationKey: key,
			Logger:         logrus.StandardLogger(),
		}
		if policy != nil {
			supervisorOpts.QuotaRetry = policy()
		}

		s, err := task.New(supervisorOpts)
		if err != nil {
			return nil, err
		}
		supervisors = append(supervisors, s)
	}
	return supervisors, nil
}

func buildConfig(cluster string, opts runOptions) (task.RunConfig, error) {

	cfg := task.RunConfig{
		Cluster:         cluster,
		LaunchType:      opts.LaunchType,
		PlatformVersion: opts.PlatformVersion,
		Group:           opts.Group,
		PropagateTags:   opts.PropagateTags,
		Logs: logs.Config{
			Group:        opts.LogGroup,
			Region:       opts.LogRegion,
			StreamPrefix: opts.LogStreamPrefix,
		},
	}

	tags, err := parseKeyValues(opts.Tags)
	if err != nil {
		return cfg, err
	}
	cfg.Tags = tags

	strategy, err := parseCapacityProviders(opts.CapacityProviders)
	if err != nil {
		return cfg, err
	}
	cfg.CapacityProviderStrategy = strategy

	if len(opts.Subnets) > 0 {
		assignPublicIP := ecs.AssignPublicIpDisabled
		if opts.AssignPublicIP {
			assignPublicIP = ecs.AssignPublicIpEnabled
		}
		var subnets []*string
		for _, subnet := range opts.Subnets {
			subnets = append(subnets, aws.String(subnet))
		}
		var securityGroups []*string
		for _, group := range opts.SecurityGroups {
			securityGroups = append(securityGroups, aws.String(group))
		}
		cfg.NetworkConfiguration = &ecs.NetworkConfiguration{
			AwsvpcConfiguration: &ecs.AwsVpcConfiguration{
				AssignPublicIp: aws.String(assignPublicIP),
				SecurityGroups: securityGroups,
				Subnets:        subnets,
			},
		}
	}

	overrides, err := buildOverrides(opts)
	if err != nil {
		return cfg, err
	}
	cfg.Overrides = overrides

	return cfg, nil
}

// buildOverrides assembles a container override from the --env, --cpu, and
// --memory flags. ECS applies overrides per container, so a container name
// is required when any are set.
func buildOverrides(opts runOptions) (*ecs.TaskOverride, error) {

	env, err := parseKeyValues(opts.Env)
	if err != nil {
		return nil, err
	}
	if env == nil && opts.CPU == 0 && opts.Memory == 0 {
		return nil, nil
	}
	if opts.ContainerName == "" {
		return nil, errors.New("ContainerName unset")
	}

	override := &ecs.ContainerOverride{
		Name: aws.String(opts.ContainerName),
	}
	for _, k := range sortedKeys(env) {
		override.Environment = append(override.Environment, &ecs.KeyValuePair{
			Name:  aws.String(k),
			Value: aws.String(env[k]),
		})
	}
	if opts.CPU > 0 {
		override.Cpu = aws.Int64(opts.CPU)
	}
	if opts.Memory > 0 {
		override.Memory = aws.Int64(opts.Memory)
	}
	return &ecs.TaskOverride{
		ContainerOverrides: []*ecs.ContainerOverride{override},
	}, nil
}

// parseCapacityProviders parses name[:weight[:base]] values
func parseCapacityProviders(values []string) ([]*ecs.CapacityProviderStrategyItem, error) {

	var strategy []*ecs.CapacityProviderStrategyItem
	for _, value := range values {
		parts := strings.Split(value, ":")
		if len(parts) > 3 || parts[0] == "" {
			return nil, fmt.Errorf("Invalid capacity provider: %s", value)
		}
		item := &ecs.CapacityProviderStrategyItem{
			CapacityProvider: aws.String(parts[0]),
		}
		if len(parts) > 1 {
			weight, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("Invalid capacity provider weight: %s", value)
			}
			item.Weight = aws.Int64(weight)
		}
		if len(parts) > 2 {
			base, err := strconv.ParseInt(parts[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("Invalid capacity provider base: %s", value)
			}
			item.Base = aws.Int64(base)
		}
		strategy = append(strategy, item)
	}
	return strategy, nil
}
