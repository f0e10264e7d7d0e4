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
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/fatih/color"
	uuid "github.com/satori/go.uuid"

	"github.com/fugue/ecsrun/store"
)

var (
	// Green text color
	Green func(args ...interface{}) string

	// Red text color
	Red func(args ...interface{}) string

	// Yellow text color
	Yellow func(args ...interface{}) string
)

func init() {
	Green = color.New(color.FgGreen).SprintFunc()
	Red = color.New(color.FgRed).SprintFunc()
	Yellow = color.New(color.FgYellow).SprintFunc()
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}

func getSession(region string) (*session.Session, error) {
	cfg := aws.NewConfig().WithRegion(region).WithMaxRetries(8)
	return session.NewSession(cfg)
}

// getStore picks the correlation store: an S3 bucket when one is
// configured, otherwise files under the state directory
func getStore(sess *session.Session, bucket, stateDir string) (store.Store, error) {
	if bucket != "" {
		return store.NewS3(s3.New(sess), bucket, "ecsrun"), nil
	}
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		stateDir = path.Join(home, ".ecsrun", "tasks")
	}
	return store.NewFilesystem(stateDir)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// UUID returns a random (v4) UUID as a string
func UUID() string {
	return uuid.NewV4().String()
}

// parseKeyValues turns KEY=VALUE pairs into a map
func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	result := map[string]string{}
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("Invalid KEY=VALUE pair: %s", pair)
		}
		result[parts[0]] = parts[1]
	}
	return result, nil
}
