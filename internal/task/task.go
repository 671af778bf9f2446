// Package task defines the wire and in-process shapes for a worker
// invocation: the Task delivered by the queue, and the Result published on
// the result bus.
package task

import "encoding/json"

// Runtime is the closed set of supported language runtimes.
type Runtime string

const (
	Python Runtime = "python"
	Node   Runtime = "nodejs"
	Cpp    Runtime = "cpp"
)

// Valid reports whether r is one of the known runtimes.
func (r Runtime) Valid() bool {
	switch r {
	case Python, Node, Cpp:
		return true
	default:
		return false
	}
}

// Task is one unit of work delivered by the queue. It is immutable once
// constructed; the Executor never mutates it.
type Task struct {
	RequestID  string          `json:"requestId"`
	FunctionID string          `json:"functionId"`
	Runtime    Runtime         `json:"runtime"`
	ArchiveRef string          `json:"s3Key"`
	MemoryMB   int             `json:"memoryMb"`
	TimeoutMs  int             `json:"timeoutMs"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// DefaultTimeoutMs is applied when a Task arrives with TimeoutMs <= 0.
const DefaultTimeoutMs = 10000

// Normalize applies field defaults, matching spec.md's "timeout_ms, default
// 10000" invariant. Called by Executor.Run on its own copy of the Task at
// the start of every invocation.
func (t *Task) Normalize() {
	if t.TimeoutMs <= 0 {
		t.TimeoutMs = DefaultTimeoutMs
	}
}

// Result is the outcome of one Task, always produced even when the
// invocation fails internally — the result path is total (spec.md §7).
type Result struct {
	RequestID            string   `json:"requestId"`
	Success              bool     `json:"-"`
	ExitCode             int      `json:"exitCode"`
	Stdout               string   `json:"stdout"`
	Stderr               string   `json:"stderr"`
	DurationMs           int64    `json:"durationMs"`
	PeakMemoryBytes      *int64   `json:"peakMemoryBytes,omitempty"`
	OptimizationTip      *string  `json:"optimizationTip,omitempty"`
	EstimatedSavings     *string  `json:"estimatedSavings,omitempty"`
	RecommendedMemoryMB  *int     `json:"recommendedMemoryMb,omitempty"`
	OutputFiles          []string `json:"outputFiles"`
	WorkerID             string   `json:"workerId"`
}

// Internal failure / timeout sentinels (spec.md §3).
const (
	ExitCodeInternalError = -1
	ExitCodeTimeout       = -2
)

// resultWire mirrors Result but carries the JSON-only "status" field, which
// is derived from Success rather than stored directly.
type resultWire struct {
	RequestID            string   `json:"requestId"`
	Status               string   `json:"status"`
	ExitCode             int      `json:"exitCode"`
	Stdout               string   `json:"stdout"`
	Stderr               string   `json:"stderr"`
	DurationMs           int64    `json:"durationMs"`
	PeakMemoryBytes      *int64   `json:"peakMemoryBytes,omitempty"`
	OptimizationTip      *string  `json:"optimizationTip,omitempty"`
	EstimatedSavings     *string  `json:"estimatedSavings,omitempty"`
	RecommendedMemoryMB  *int     `json:"recommendedMemoryMb,omitempty"`
	OutputFiles          []string `json:"outputFiles"`
	WorkerID             string   `json:"workerId"`
}

// MarshalJSON implements the Result message shape of spec.md §6, deriving
// "status" from Success instead of serializing the bool directly.
func (r Result) MarshalJSON() ([]byte, error) {
	status := "FAILED"
	if r.Success {
		status = "SUCCESS"
	}
	files := r.OutputFiles
	if files == nil {
		files = []string{}
	}
	return json.Marshal(resultWire{
		RequestID:           r.RequestID,
		Status:              status,
		ExitCode:            r.ExitCode,
		Stdout:              r.Stdout,
		Stderr:              r.Stderr,
		DurationMs:          r.DurationMs,
		PeakMemoryBytes:     r.PeakMemoryBytes,
		OptimizationTip:     r.OptimizationTip,
		EstimatedSavings:    r.EstimatedSavings,
		RecommendedMemoryMB: r.RecommendedMemoryMB,
		OutputFiles:         files,
		WorkerID:            r.WorkerID,
	})
}

// UnmarshalJSON reconstructs Success from the wire "status" field.
func (r *Result) UnmarshalJSON(data []byte) error {
	var w resultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Result{
		RequestID:           w.RequestID,
		Success:             w.Status == "SUCCESS",
		ExitCode:            w.ExitCode,
		Stdout:              w.Stdout,
		Stderr:              w.Stderr,
		DurationMs:          w.DurationMs,
		PeakMemoryBytes:     w.PeakMemoryBytes,
		OptimizationTip:     w.OptimizationTip,
		EstimatedSavings:    w.EstimatedSavings,
		RecommendedMemoryMB: w.RecommendedMemoryMB,
		OutputFiles:         w.OutputFiles,
		WorkerID:            w.WorkerID,
	}
	return nil
}
