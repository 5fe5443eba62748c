package job

import "context"

// Client talks to the remote bulk service. Implementations own transport,
// authentication and retries. Every failure is returned as an
// apperrors.ErrRemoteService error carrying the underlying cause.
type Client interface {
	// CreateJob opens a new job and returns its server-assigned id.
	CreateJob(ctx context.Context, params Parameters) (string, error)

	// SubmitBatch uploads one batch into an open job and returns the batch id.
	SubmitBatch(ctx context.Context, jobID string, batch Batch) (string, error)

	// CloseJob marks the job complete so the service processes its batches.
	CloseJob(ctx context.Context, jobID string) error

	// AbortJob discards an open job. Only operators call this; the
	// coordinator never aborts on its own.
	AbortJob(ctx context.Context, jobID string) error
}
