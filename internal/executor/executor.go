// Package executor implements Executor (spec.md §4.7): the orchestration
// of one Task end-to-end, from workspace preparation through sandbox
// checkout, timed execution, metric capture, and teardown.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nanogrid/faas-worker/internal/autotuner"
	"github.com/nanogrid/faas-worker/internal/blobstore"
	"github.com/nanogrid/faas-worker/internal/limiter"
	"github.com/nanogrid/faas-worker/internal/metricsink"
	"github.com/nanogrid/faas-worker/internal/pool"
	"github.com/nanogrid/faas-worker/internal/sampler"
	"github.com/nanogrid/faas-worker/internal/sandbox"
	"github.com/nanogrid/faas-worker/internal/task"
	"github.com/nanogrid/faas-worker/internal/timeoutctl"
	"github.com/nanogrid/faas-worker/internal/workspace"
)

// MetricsNamespace is the namespace every peak-memory sample is published
// under.
const MetricsNamespace = "FaaS/FunctionRunner"

// Executor orchestrates task invocations against its collaborators. Driver,
// Pool, Workspace, Store and Limiter are required; a nil Metrics skips
// metric publishing. Executor holds no other state and is safe for
// concurrent use by multiple goroutines running Run simultaneously.
type Executor struct {
	Driver    sandbox.Driver
	Pool      *pool.Pool
	Workspace *workspace.Manager
	Store     blobstore.Store
	Metrics   metricsink.Sink
	Limiter   *limiter.Limiter
	WorkerID  string

	// LLMModel is passed into every sandbox as LLM_MODEL.
	LLMModel string
	// CostPerMBHour overrides the autotuner's default billing rate when
	// set (operator-configured via COST_PER_MB_HOUR).
	CostPerMBHour float64
}

// argvFor builds the runtime-specific entrypoint command (spec.md §4.7
// step 5).
func argvFor(r task.Runtime) []string {
	switch r {
	case task.Node:
		return []string{"node", "index.js"}
	case task.Cpp:
		return []string{"sh", "-c", "g++ main.cpp -o out && ./out"}
	default:
		return []string{"python", "main.py"}
	}
}

// Run executes one task end-to-end and always returns a populated Result —
// no error ever propagates to the caller (spec.md §4.7, §7).
func (e *Executor) Run(ctx context.Context, t task.Task) (result *task.Result) {
	t.Normalize()

	start := time.Now()
	result = &task.Result{RequestID: t.RequestID, WorkerID: e.WorkerID, ExitCode: task.ExitCodeInternalError}

	if err := e.Limiter.Acquire(ctx); err != nil {
		result.Stderr = fmt.Sprintf("limiter: %v", err)
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}
	defer e.Limiter.Release()

	var ws *workspace.Workspace
	var h sandbox.Handle
	var haveHandle bool

	defer func() {
		if haveHandle {
			if err := e.Driver.Remove(context.Background(), h, true); err != nil {
				log.Warn().Err(err).Str("request_id", t.RequestID).Msg("sandbox removal failed")
			}
		}
		if ws != nil {
			e.Workspace.Cleanup(ws)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("request_id", t.RequestID).Msg("executor panic recovered")
			result.Success = false
			result.ExitCode = task.ExitCodeInternalError
			result.Stderr = fmt.Sprintf("internal error: %v", r)
			result.DurationMs = time.Since(start).Milliseconds()
		}
	}()

	var err error
	ws, err = e.Workspace.Prepare(ctx, &t)
	if err != nil {
		result.Stderr = err.Error()
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	h, err = e.Pool.Checkout(ctx, string(t.Runtime))
	if err != nil {
		result.Stderr = err.Error()
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}
	haveHandle = true

	argv := argvFor(t.Runtime)
	env := e.buildEnv(&t, ws)
	cwd := ws.ContainerPath()

	smp := sampler.Start(e.Driver, h, sampler.DefaultInterval)

	deadline := time.Duration(t.TimeoutMs) * time.Millisecond
	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()
	ctrl, disarm := timeoutctl.Arm(execCtx, e.Driver, h, deadline)

	execResult, execErr := e.Driver.Exec(execCtx, h, argv, env, cwd)
	disarm()
	peak := smp.Stop()

	if execErr != nil {
		result.Stderr = execErr.Error()
		result.ExitCode = task.ExitCodeInternalError
		result.Success = false
	} else {
		result.Stdout = execResult.Stdout
		result.Stderr = execResult.Stderr
		result.ExitCode = execResult.ExitCode
		result.Success = execResult.ExitCode == 0
	}

	if ctrl.State() == timeoutctl.Fired || ctx.Err() != nil {
		result.ExitCode = task.ExitCodeTimeout
		result.Success = false
	}

	if peak > 0 {
		result.PeakMemoryBytes = &peak
	}

	result.OutputFiles = e.uploadOutputs(ctx, t.RequestID, ws)
	e.publishMetric(&t, peak)

	tip, savings, recMB := autotuner.Analyze(autotuner.Metrics{
		PeakMemoryBytes: peak,
		AllocatedMB:     t.MemoryMB,
		DurationMs:      time.Since(start).Milliseconds(),
		CostPerMBHour:   e.CostPerMBHour,
	})
	result.OptimizationTip = tip
	result.EstimatedSavings = savings
	result.RecommendedMemoryMB = recMB

	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

func (e *Executor) buildEnv(t *task.Task, ws *workspace.Workspace) map[string]string {
	env := map[string]string{
		"REQUEST_ID":  t.RequestID,
		"FUNCTION_ID": t.FunctionID,
		"MEMORY_MB":   fmt.Sprintf("%d", t.MemoryMB),
		"OUTPUT_DIR":  "/output",
		"LLM_MODEL":   e.LLMModel,
	}
	if ws.PayloadFile != "" {
		env["PAYLOAD_FILE"] = filepath.Join(ws.ContainerPath(), filepath.Base(ws.PayloadFile))
	} else if len(t.Payload) > 0 {
		env["PAYLOAD"] = string(t.Payload)
	}
	return env
}

func (e *Executor) uploadOutputs(ctx context.Context, requestID string, ws *workspace.Workspace) []string {
	outputDir := filepath.Join(ws.Root, "output")
	entries, err := readOutputFiles(outputDir)
	if err != nil {
		return nil
	}

	var uris []string
	for _, f := range entries {
		key := fmt.Sprintf("outputs/%s/%s", requestID, filepath.Base(f))
		uri, err := e.Store.Upload(ctx, f, key)
		if err != nil {
			log.Warn().Err(err).Str("file", f).Msg("output upload failed")
			continue
		}
		uris = append(uris, uri)
	}
	return uris
}

// publishMetric fires the peak-memory sample at the metric sink on a
// detached context so a slow or unreachable sink never delays the result
// (spec.md §4.7 step 11).
func (e *Executor) publishMetric(t *task.Task, peak int64) {
	if e.Metrics == nil || peak <= 0 {
		return
	}
	go func() {
		dims := map[string]string{"FunctionId": t.FunctionID, "Runtime": string(t.Runtime)}
		if err := e.Metrics.Put(context.Background(), MetricsNamespace, "PeakMemoryBytes", dims, float64(peak), "Bytes", time.Now()); err != nil {
			log.Warn().Err(err).Msg("metrics publish failed")
		}
	}()
}

// readOutputFiles lists the regular files an invocation wrote to its
// output directory. A missing directory is not an error — most
// invocations produce no files.
func readOutputFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}
