// Package sharedconf is the channel through which the coordinator hands the
// job id and parameters to the parallel task writers. Every implementation is
// a set of write-once cells: a key is published at most once and is visible
// to all readers afterwards.
package sharedconf

import (
	"context"
	"sort"

	"bulkjob/internal/apperrors"
	"bulkjob/internal/job"
)

// Keys published for every job.
const (
	KeyObject          = "bulkjob.object"
	KeyOperation       = "bulkjob.operation"
	KeyExternalIDField = "bulkjob.external_id_field"
	KeyJobID           = "bulkjob.job_id"
)

// Keys lists every key in publication order. The job id comes last.
var Keys = []string{KeyObject, KeyOperation, KeyExternalIDField, KeyJobID}

// Channel publishes and reads shared configuration values.
type Channel interface {
	// Publish sets key to value. Publishing the value a key already holds is
	// a no-op; publishing a different value fails with a conflict.
	Publish(ctx context.Context, key, value string) error

	// Read returns the value of key; ok is false when it was never published.
	Read(ctx context.Context, key string) (value string, ok bool, err error)
}

// Clearer is a channel whose values outlive the operation that published
// them. Clear drops every value so the operation id can be used again.
type Clearer interface {
	Clear(ctx context.Context) error
}

// PublishHandle publishes the parameters and id of a created job. The job id
// is written last so its presence implies the rest is readable.
func PublishHandle(ctx context.Context, ch Channel, h *job.Handle) error {
	values := map[string]string{
		KeyObject:    h.Parameters.Object,
		KeyOperation: string(h.Parameters.Operation),
		KeyJobID:     h.ID,
	}
	if h.Parameters.ExternalIDField != "" {
		values[KeyExternalIDField] = h.Parameters.ExternalIDField
	}
	for _, key := range Keys {
		value, ok := values[key]
		if !ok {
			continue
		}
		if err := ch.Publish(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

// ReadJobID returns the published job id. A missing or empty value is a
// configuration error; a job id is never made up by the reader.
func ReadJobID(ctx context.Context, ch Channel) (string, error) {
	return require(ctx, ch, KeyJobID)
}

// ReadParameters returns the published job parameters.
func ReadParameters(ctx context.Context, ch Channel) (job.Parameters, error) {
	object, err := require(ctx, ch, KeyObject)
	if err != nil {
		return job.Parameters{}, err
	}
	opName, err := require(ctx, ch, KeyOperation)
	if err != nil {
		return job.Parameters{}, err
	}
	op, err := job.ParseOperation(opName)
	if err != nil {
		return job.Parameters{}, err
	}
	extID, _, err := ch.Read(ctx, KeyExternalIDField)
	if err != nil {
		return job.Parameters{}, apperrors.Internal("sharedconf.read", err)
	}
	return job.Parameters{Object: object, Operation: op, ExternalIDField: extID}, nil
}

// Snapshot returns every published key.
func Snapshot(ctx context.Context, ch Channel) (map[string]string, error) {
	out := make(map[string]string, len(Keys))
	for _, key := range Keys {
		value, ok, err := ch.Read(ctx, key)
		if err != nil {
			return nil, apperrors.Internal("sharedconf.read", err)
		}
		if ok {
			out[key] = value
		}
	}
	return out, nil
}

// SortedKeys returns the keys of a snapshot in stable order.
func SortedKeys(snapshot map[string]string) []string {
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func require(ctx context.Context, ch Channel, key string) (string, error) {
	value, ok, err := ch.Read(ctx, key)
	if err != nil {
		return "", apperrors.Internal("sharedconf.read", err)
	}
	if !ok || value == "" {
		return "", apperrors.ConfigurationMissing(key)
	}
	return value, nil
}
