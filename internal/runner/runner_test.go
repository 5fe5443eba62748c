package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"bulkjob/internal/apperrors"
	"bulkjob/internal/bulkapi"
	"bulkjob/internal/coordinator"
	"bulkjob/internal/job"
	"bulkjob/internal/record"
	"bulkjob/internal/sharedconf"
	"bulkjob/internal/writer"
)

func sharedClient(svc *bulkapi.Memory) func() (job.Client, error) {
	return func() (job.Client, error) { return svc, nil }
}

type taskCounter struct {
	ok, failed atomic.Int64
}

func (c *taskCounter) RecordTask(_ context.Context, success bool, _ int64) {
	if success {
		c.ok.Add(1)
	} else {
		c.failed.Add(1)
	}
}

func fixedRecords(n int) TaskFunc {
	return func(ctx context.Context, task Task, w *writer.Writer) error {
		for i := range n {
			if err := w.Write(ctx, []byte(fmt.Sprintf("%s-%d", task.ID, i))); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestRunClosesJobAfterAllTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := bulkapi.NewMemory()
	svc.JobIDs = []string{"J1"}
	ch := sharedconf.NewMemory()
	coord := coordinator.New(svc, ch, coordinator.Config{OperationID: "op-a"})
	exec := &Local{NewClient: sharedClient(svc), Writer: writer.Config{MaxRecords: 5}, Work: fixedRecords(3)}

	res, err := Run(ctx, coord, ch, exec, job.Parameters{Object: "Account", Operation: job.OperationInsert}, Tasks("task", 2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Phase != coordinator.PhaseJobClosed || res.Records != 6 {
		t.Errorf("phase=%s records=%d", res.Phase, res.Records)
	}
	want := []string{"createJob", "submitBatch", "submitBatch", "closeJob"}
	if !slices.Equal(svc.Ops(), want) {
		t.Errorf("ops = %v, want %v", svc.Ops(), want)
	}
	if j, _ := svc.Job("J1"); j.State != "Closed" {
		t.Errorf("remote state = %s", j.State)
	}
	if svc.Released() != 2 {
		t.Errorf("clients released = %d, want one per task", svc.Released())
	}
}

func TestRunInvalidUpsertNeverStartsTasks(t *testing.T) {
	t.Parallel()
	svc := bulkapi.NewMemory()
	ch := sharedconf.NewMemory()
	coord := coordinator.New(svc, ch, coordinator.Config{})
	var started atomic.Int32
	exec := &Local{NewClient: sharedClient(svc), Work: func(context.Context, Task, *writer.Writer) error {
		started.Add(1)
		return nil
	}}

	res, err := Run(context.Background(), coord, ch, exec,
		job.Parameters{Object: "Contact", Operation: job.OperationUpsert}, Tasks("task", 3))
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if len(svc.Calls()) != 0 || started.Load() != 0 {
		t.Errorf("remote calls=%v tasks started=%d", svc.Ops(), started.Load())
	}
	if res.Phase != coordinator.PhaseAbortedNeverCreated {
		t.Errorf("phase = %s", res.Phase)
	}
}

func TestRunTaskFailureLeavesJobOpen(t *testing.T) {
	t.Parallel()
	svc := bulkapi.NewMemory()
	svc.JobIDs = []string{"J2"}
	// The second batch accepted into J2 fails, whichever task sends it.
	svc.FailSubmit = func(_ string, n int) error {
		if n == 1 {
			return errors.New("connection reset")
		}
		return nil
	}
	ch := sharedconf.NewMemory()
	coord := coordinator.New(svc, ch, coordinator.Config{})
	exec := &Local{NewClient: sharedClient(svc), Writer: writer.Config{MaxRecords: 2}, Work: fixedRecords(2), Parallelism: 1}

	res, err := Run(context.Background(), coord, ch, exec,
		job.Parameters{Object: "Account", Operation: job.OperationUpdate}, Tasks("task", 2))
	if !errors.Is(err, apperrors.ErrRemoteService) {
		t.Fatalf("err = %v, want the task's remote error", err)
	}
	if slices.Contains(svc.Ops(), "closeJob") || slices.Contains(svc.Ops(), "abortJob") {
		t.Errorf("ops = %v", svc.Ops())
	}
	if res.Phase != coordinator.PhaseAbortedJobLeftOpen || res.Handle.State() != job.StateCreated {
		t.Errorf("phase=%s state=%s", res.Phase, res.Handle.State())
	}
	if j, _ := svc.Job("J2"); j.State != "Open" {
		t.Errorf("remote state = %s, want Open", j.State)
	}
	if job.FirstFailure(res.Outcomes) == nil {
		t.Error("expected a failed outcome")
	}
}

func TestRunCancellationPreventsCommit(t *testing.T) {
	t.Parallel()
	svc := bulkapi.NewMemory()
	ch := sharedconf.NewMemory()
	coord := coordinator.New(svc, ch, coordinator.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &Local{NewClient: sharedClient(svc), Work: func(ctx context.Context, task Task, w *writer.Writer) error {
		if task.Index == 0 {
			cancel()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}}

	res, err := Run(ctx, coord, ch, exec, job.Parameters{Object: "Lead", Operation: job.OperationDelete}, Tasks("task", 3))
	if err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if slices.Contains(svc.Ops(), "closeJob") {
		t.Error("closeJob must not be called after cancellation")
	}
	if res.Phase != coordinator.PhaseAbortedJobLeftOpen {
		t.Errorf("phase = %s", res.Phase)
	}
}

func TestLocalBoundsParallelism(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := bulkapi.NewMemory()
	ch := sharedconf.NewMemory()
	_ = ch.Publish(ctx, sharedconf.KeyJobID, "J1")

	var running, peak atomic.Int32
	exec := &Local{NewClient: sharedClient(svc), Parallelism: 2, Work: func(context.Context, Task, *writer.Writer) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil
	}}

	outcomes := exec.Execute(ctx, ch, Tasks("t", 6))
	if len(outcomes) != 6 {
		t.Fatalf("outcomes = %d", len(outcomes))
	}
	for i, o := range outcomes {
		if o.TaskID != fmt.Sprintf("t-%d", i) || o.Failed {
			t.Errorf("outcome %d = %+v", i, o)
		}
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestLocalClientFactoryFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("no credentials")
	counter := &taskCounter{}
	exec := &Local{NewClient: func() (job.Client, error) { return nil, boom }, Work: fixedRecords(1), Metrics: counter}
	outcomes := exec.Execute(context.Background(), sharedconf.NewMemory(), Tasks("t", 2))
	for _, o := range outcomes {
		if !o.Failed || !errors.Is(o.Err, boom) {
			t.Errorf("outcome = %+v", o)
		}
	}
	if counter.failed.Load() != 2 || counter.ok.Load() != 0 {
		t.Errorf("recorded ok=%d failed=%d, want every failed task counted", counter.ok.Load(), counter.failed.Load())
	}
}

func TestRunWithCSVPartitions(t *testing.T) {
	t.Parallel()
	const input = "Name,Ext__c\nA,1\nB,2\nC,3\nD,4\nE,5\n"
	svc := bulkapi.NewMemory()
	svc.JobIDs = []string{"J3"}
	ch := sharedconf.NewMemory()
	coord := coordinator.New(svc, ch, coordinator.Config{})

	exec := &Local{
		NewClient: sharedClient(svc),
		Writer:    writer.Config{MaxRecords: 2, Header: []byte("Name,Ext__c")},
		Work: func(ctx context.Context, task Task, w *writer.Writer) error {
			r, err := record.NewReader(strings.NewReader(input), task.Index, task.Count)
			if err != nil {
				return err
			}
			_, err = record.Copy(ctx, r, w)
			return err
		},
	}

	params := job.Parameters{Object: "Account", Operation: job.OperationUpsert, ExternalIDField: "Ext__c"}
	res, err := Run(context.Background(), coord, ch, exec, params, Tasks("csv", 2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Records != 5 {
		t.Errorf("records = %d", res.Records)
	}
	j, _ := svc.Job("J3")
	// Partition 0 has 3 rows (2+1 batches), partition 1 has 2 rows (1 batch).
	if len(j.Batches) != 3 {
		t.Errorf("batches = %d, want 3", len(j.Batches))
	}
	if j.Parameters != params {
		t.Errorf("remote params = %+v", j.Parameters)
	}
}
