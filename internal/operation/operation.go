// Package operation keeps the logical bulk writes a coordinator service is
// driving. Each operation owns one coordinator and one shared configuration
// scope; an external scheduler starts it, runs the tasks and reports their
// outcomes back for commit.
package operation

import (
	"context"
	"sync"
	"time"

	"bulkjob/internal/coordinator"
	"bulkjob/internal/job"
	"bulkjob/internal/sharedconf"
)

// Operation is one logical write.
type Operation struct {
	ID         string
	Parameters job.Parameters
	CreatedAt  time.Time

	coord   *coordinator.Coordinator
	channel sharedconf.Channel

	mu        sync.Mutex
	updatedAt time.Time
	tasks     int
	records   int64
}

func (o *Operation) touch(outcomes []job.TaskOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updatedAt = time.Now().UTC()
	if outcomes != nil {
		o.tasks = len(outcomes)
		o.records = job.TotalRecords(outcomes)
	}
}

// View is the externally visible state of an operation.
type View struct {
	ID             string            `json:"id"`
	Phase          coordinator.Phase `json:"phase"`
	Parameters     job.Parameters    `json:"parameters"`
	JobID          string            `json:"jobId,omitempty"`
	JobState       job.State         `json:"jobState,omitempty"`
	Failure        string            `json:"failure,omitempty"`
	Tasks          int               `json:"tasks"`
	RecordsWritten int64             `json:"recordsWritten"`
	Configuration  map[string]string `json:"configuration,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// view snapshots o. The shared configuration is included only while tasks
// may still need it.
func (o *Operation) view(ctx context.Context) View {
	o.mu.Lock()
	v := View{
		ID:             o.ID,
		Parameters:     o.Parameters,
		Tasks:          o.tasks,
		RecordsWritten: o.records,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.updatedAt,
	}
	o.mu.Unlock()

	v.Phase = o.coord.Phase()
	if h := o.coord.Handle(); h != nil {
		v.JobID = h.ID
		v.JobState = h.State()
	}
	if err := o.coord.Failure(); err != nil {
		v.Failure = err.Error()
	}
	if v.Phase == coordinator.PhaseJobOpen {
		if snap, err := sharedconf.Snapshot(ctx, o.channel); err == nil {
			v.Configuration = snap
		}
	}
	return v
}
