// Package queue carries "job created" notifications from whoever commits a
// new job to the dispatchers that claim it. The job table stays the source of
// truth; a lost notification only delays a job until the next sweep.
package queue

import (
	"context"

	"github.com/google/uuid"
)

type Notifier interface {
	// Publish announces a committed job.
	Publish(ctx context.Context, jobID uuid.UUID) error
	// Subscribe calls fn for every announcement until ctx is done.
	Subscribe(ctx context.Context, fn func(jobID uuid.UUID)) error
	Close() error
}
