// bulkjob runs one logical bulk write end to end: it creates the remote job,
// fans the input out to parallel tasks, and closes the job once every task
// succeeded. The run summary is printed as JSON on stdout; it exits 1 unless
// the job was closed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"bulkjob/internal/bulkapi"
	"bulkjob/internal/config"
	"bulkjob/internal/coordinator"
	"bulkjob/internal/dispatcher"
	"bulkjob/internal/job"
	"bulkjob/internal/observability"
	"bulkjob/internal/orchestrator/docker"
	"bulkjob/internal/record"
	"bulkjob/internal/runner"
	"bulkjob/internal/sharedconf"
	"bulkjob/internal/writer"
)

type options struct {
	file        string
	dryRun      bool
	executor    string
	tasks       int
	operationID string
	metricsAddr string
}

// summary is printed on stdout when the run ends.
type summary struct {
	OperationID string            `json:"operationId"`
	Phase       coordinator.Phase `json:"phase"`
	JobID       string            `json:"jobId,omitempty"`
	Records     int64             `json:"recordsWritten"`
	Tasks       []job.TaskOutcome `json:"tasks"`
	DurationMS  int64             `json:"durationMs"`
	DryRun      bool              `json:"dryRun,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func main() {
	var opts options
	flag.StringVar(&opts.file, "f", "operation.yaml", "operation file")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "write into an in-process fake of the bulk service")
	flag.StringVar(&opts.executor, "executor", "", "local or docker (overrides the operation file)")
	flag.IntVar(&opts.tasks, "tasks", 0, "number of parallel tasks (overrides the operation file)")
	flag.StringVar(&opts.operationID, "id", "", "operation id (default: random)")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics on this address while running")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		slog.Warn("Failed to load .env", "error", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: config.LogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sum, err := run(ctx, opts)
	if err != nil {
		sum.Error = err.Error()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(sum)

	if sum.Phase != coordinator.PhaseJobClosed {
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) (*summary, error) {
	sum := &summary{OperationID: opts.operationID, Phase: coordinator.PhaseNotStarted, DryRun: opts.dryRun}
	if sum.OperationID == "" {
		sum.OperationID = uuid.NewString()
	}

	opFile, err := config.LoadOperationFile(opts.file)
	if err != nil {
		return sum, err
	}
	if opts.executor != "" {
		opFile.Executor = opts.executor
	}
	if opts.tasks > 0 {
		opFile.Tasks = opts.tasks
	}
	if opFile.Input == "" {
		return sum, errors.New("operation file has no input")
	}
	input, err := filepath.Abs(opFile.Input)
	if err != nil {
		return sum, err
	}

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return sum, err
	}
	if opts.metricsAddr != "" {
		stopMetrics := serveMetrics(opts.metricsAddr, metricsHandler)
		defer stopMetrics()
	}

	bulkCfg := bulkapi.LoadConfigFromEnv()
	wcfg := writer.LoadConfigFromEnv()
	if opFile.Batch.MaxRecords > 0 {
		wcfg.MaxRecords = opFile.Batch.MaxRecords
	}
	if opFile.Batch.MaxBytes > 0 {
		wcfg.MaxBytes = opFile.Batch.MaxBytes
	}
	if wcfg.Header, err = record.ReadHeader(input); err != nil {
		return sum, err
	}

	newClient, err := clientFactory(opts.dryRun, opFile.Executor, bulkCfg)
	if err != nil {
		return sum, err
	}
	coordClient, err := newClient()
	if err != nil {
		return sum, err
	}
	defer release(coordClient)

	ch, closeChannel, err := openChannel(ctx, sum.OperationID)
	if err != nil {
		return sum, err
	}
	defer closeChannel()

	var notifier coordinator.Notifier
	if url := config.GetEnv("CALLBACK_URL", ""); url != "" {
		d := dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics)
		defer func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = d.Close(drainCtx)
		}()
		notifier = &dispatcher.Notifier{
			Dispatcher: d,
			URL:        url,
			SigningKey: config.GetSecretFile(config.GetEnv("CALLBACK_KEY_FILE", "")),
		}
	}

	var exec runner.Executor
	switch opFile.Executor {
	case "local":
		exec = &runner.Local{
			NewClient:   newClient,
			Writer:      wcfg,
			Parallelism: config.GetIntEnv("TASK_PARALLELISM", 0),
			Options:     []writer.Option{writer.WithRecorder(metrics)},
			Metrics:     metrics,
			Work: func(ctx context.Context, task runner.Task, w *writer.Writer) error {
				_, err := record.CopyFile(ctx, input, task.Index, task.Count, w)
				return err
			},
		}
	case "docker":
		dcfg := docker.LoadConfigFromEnv()
		dcfg.Image = opFile.TaskImage
		dcfg.OperationID = sum.OperationID
		dcfg.InputDir = filepath.Dir(input)
		dcfg.InputFile = filepath.Base(input)
		dcfg.Env = append(bulkCfg.Env(config.GetEnv("BULK_API_TOKEN_FILE", "")), wcfg.Env()...)
		dcfg.Env = append(dcfg.Env, "LOG_LEVEL="+config.GetEnv("LOG_LEVEL", "info"))
		d, err := docker.New(dcfg, metrics)
		if err != nil {
			return sum, err
		}
		defer d.Close()
		if err := d.Ready(ctx); err != nil {
			return sum, fmt.Errorf("docker daemon not reachable: %w", err)
		}
		if _, err := d.RemoveStale(ctx); err != nil {
			slog.Warn("Failed to remove stale task containers", "error", err)
		}
		exec = d
	default:
		return sum, fmt.Errorf("unknown executor %q", opFile.Executor)
	}

	coord := coordinator.New(coordClient, ch, coordinator.Config{
		OperationID: sum.OperationID,
		Source:      "bulkjob/cli",
		Metrics:     metrics,
		Notifier:    notifier,
	})
	params := job.NewParameters(opFile.Object, opFile.Operation, opFile.ExternalIDField)

	res, err := runner.Run(ctx, coord, ch, exec, params, runner.Tasks(sum.OperationID, opFile.Tasks))
	sum.Phase = res.Phase
	sum.Tasks = res.Outcomes
	sum.Records = res.Records
	sum.DurationMS = res.Duration.Milliseconds()
	if res.Handle != nil {
		sum.JobID = res.Handle.ID
	}
	// A closed job's configuration is spent; clearing it lets the id run again.
	if res.Phase == coordinator.PhaseJobClosed {
		if c, ok := ch.(sharedconf.Clearer); ok {
			if clearErr := c.Clear(context.WithoutCancel(ctx)); clearErr != nil {
				slog.Warn("Failed to clear shared configuration", "operationId", sum.OperationID, "error", clearErr)
			}
		}
	}
	return sum, err
}

// clientFactory returns how clients for the coordinator and the local tasks
// are made. A dry run shares one in-process fake.
func clientFactory(dryRun bool, executor string, cfg bulkapi.Config) (func() (job.Client, error), error) {
	if dryRun {
		if executor == "docker" {
			return nil, errors.New("dry run is only supported with the local executor")
		}
		fake := bulkapi.NewMemory()
		return func() (job.Client, error) { return fake, nil }, nil
	}
	return func() (job.Client, error) { return bulkapi.NewHTTPClient(cfg) }, nil
}

// openChannel uses the Postgres store when DATABASE_URL is set so operators
// can see the published job id; otherwise the channel lives in memory.
func openChannel(ctx context.Context, operationID string) (sharedconf.Channel, func(), error) {
	dsn := config.GetEnv("DATABASE_URL", "")
	if dsn == "" {
		return sharedconf.NewMemory(), func() {}, nil
	}
	store, err := sharedconf.OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return store.Scope(operationID), func() { _ = store.Close() }, nil
}

func serveMetrics(addr string, handler http.Handler) func() {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("Metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func release(c job.Client) {
	if closer, ok := c.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			slog.Warn("Releasing bulk client failed", "error", err)
		}
	}
}
