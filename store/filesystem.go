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
	"context"
	"fmt"
	"io/ioutil"
	"net/url"
	"os"
	"path/filepath"
)

type fsStore struct {
	dir string
}

// NewFilesystem returns a Store that keeps one file per key in a directory.
// Useful when a supervisor runs on a single host and no shared persistence
// is available.
func NewFilesystem(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create store directory %s: %s", dir, err)
	}
	return &fsStore{dir: dir}, nil
}

// Keys may contain path separators so they are escaped to produce a flat
// file name.
func (s *fsStore) path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key))
}

// Get the value stored for a key
func (s *fsStore) Get(ctx context.Context, key string) (string, error) {
	value, err := ioutil.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", NotFound(fmt.Sprintf("Not found: %s", key))
		}
		return "", fmt.Errorf("Failed to get %s: %s", key, err)
	}
	return string(value), nil
}

// Put a value for a key
func (s *fsStore) Put(ctx context.Context, key, value string) error {
	if err := ioutil.WriteFile(s.path(key), []byte(value), 0644); err != nil {
		return fmt.Errorf("Failed to put %s: %s", key, err)
	}
	return nil
}

// Delete the value for a key
func (s *fsStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("Failed to delete %s: %s", key, err)
	}
	return nil
}
