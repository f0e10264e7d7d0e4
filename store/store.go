package store

import (
	"context"

	"github.com/aws/aws-sdk-go/aws/awserr"
)

// NotFound indicates no value is stored for a key
type NotFound string

func (e NotFound) Error() string { return string(e) }

// IsNotFound returns true if the error indicates a missing key
func IsNotFound(err error) bool {
	_, ok := err.(NotFound)
	return ok
}

// Store persists the task identifier launched for a correlation key so that
// a restarted supervisor can find work already in flight. Each key is owned
// by a single supervisor at a time, so implementations need no coordination
// beyond the atomicity of their backing store.
type Store interface {

	// Get the value stored for a key, or NotFound
	Get(ctx context.Context, key string) (string, error)

	// Put a value for a key, overwriting any previous value
	Put(ctx context.Context, key, value string) error

	// Delete the value for a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

func isNotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
