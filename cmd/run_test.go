package cmd

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeyValues(t *testing.T) {

	pairs, err := parseKeyValues([]string{"env=prod", "MODE=a=b"})
	require.Nil(t, err)
	assert.Equal(t, map[string]string{"env": "prod", "MODE": "a=b"}, pairs)

	pairs, err = parseKeyValues(nil)
	require.Nil(t, err)
	assert.Nil(t, pairs)

	_, err = parseKeyValues([]string{"nope"})
	require.NotNil(t, err)
}

func TestParseCapacityProviders(t *testing.T) {

	strategy, err := parseCapacityProviders([]string{"FARGATE_SPOT:2:1", "FARGATE"})
	require.Nil(t, err)
	require.Len(t, strategy, 2)
	assert.Equal(t, "FARGATE_SPOT", *strategy[0].CapacityProvider)
	assert.Equal(t, int64(2), *strategy[0].Weight)
	assert.Equal(t, int64(1), *strategy[0].Base)
	assert.Equal(t, "FARGATE", *strategy[1].CapacityProvider)
	assert.Nil(t, strategy[1].Weight)

	_, err = parseCapacityProviders([]string{"FARGATE:x"})
	require.NotNil(t, err)

	_, err = parseCapacityProviders([]string{":1"})
	require.NotNil(t, err)
}

func TestBuildOverrides(t *testing.T) {

	overrides, err := buildOverrides(runOptions{})
	require.Nil(t, err)
	assert.Nil(t, overrides)

	_, err = buildOverrides(runOptions{Env: []string{"A=1"}})
	assert.Equal(t, "ContainerName unset", err.Error())

	overrides, err = buildOverrides(runOptions{
		ContainerName: "app",
		Env:           []string{"B=2", "A=1"},
		CPU:           256,
		Memory:        512,
	})
	require.Nil(t, err)
	require.Len(t, overrides.ContainerOverrides, 1)
	c := overrides.ContainerOverrides[0]
	assert.Equal(t, "app", *c.Name)
	require.Len(t, c.Environment, 2)
	assert.Equal(t, "A", *c.Environment[0].Name)
	assert.Equal(t, int64(256), *c.Cpu)
	assert.Equal(t, int64(512), *c.Memory)
}

func TestBuildConfigNetwork(t *testing.T) {

	cfg, err := buildConfig("c1", runOptions{
		LaunchType:     ecs.LaunchTypeFargate,
		Subnets:        []string{"subnet-1", "subnet-2"},
		SecurityGroups: []string{"sg-1"},
		AssignPublicIP: true,
	})
	require.Nil(t, err)
	require.NotNil(t, cfg.NetworkConfiguration)
	vpc := cfg.NetworkConfiguration.AwsvpcConfiguration
	assert.Equal(t, ecs.AssignPublicIpEnabled, *vpc.AssignPublicIp)
	assert.Len(t, aws.StringValueSlice(vpc.Subnets), 2)
	assert.Equal(t, "c1", cfg.Cluster)
}
