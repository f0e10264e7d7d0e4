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
package store

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

type s3Store struct {
	bucket string
	prefix string
	api    s3iface.S3API
}

// NewS3 returns a Store backed by a bucket. Each key becomes one small
// object under the given prefix.
func NewS3(api s3iface.S3API, bucket, prefix string) Store {
	return &s3Store{
		bucket: bucket,
		prefix: prefix,
		api:    api,
	}
}

func (s *s3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + key
}

// Get the value stored for a key
func (s *s3Store) Get(ctx context.Context, key string) (string, error) {

	object, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return "", NotFound(fmt.Sprintf("Not found: %s/%s", s.bucket, key))
		}
		return "", fmt.Errorf("Failed to get %s/%s: %s", s.bucket, key, err)
	}
	defer object.Body.Close()

	value, err := ioutil.ReadAll(object.Body)
	if err != nil {
		return "", fmt.Errorf("Failed to read %s/%s: %s", s.bucket, key, err)
	}
	return string(value), nil
}

// Put a value for a key
func (s *s3Store) Put(ctx context.Context, key, value string) error {
	_, err := s.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   bytes.NewReader([]byte(value)),
		ACL:    aws.String("bucket-owner-full-control"),
	})
	if err != nil {
		return fmt.Errorf("Failed to put %s/%s: %s", s.bucket, key, err)
	}
	return nil
}

// Delete the value for a key
func (s *s3Store) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("Failed to delete %s/%s: %s", s.bucket, key, err)
	}
	return nil
}
