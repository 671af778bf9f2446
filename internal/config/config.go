// Package config loads worker configuration from the environment. There is
// no file format: every setting the worker needs at startup is an
// environment variable, matching how the rest of the fleet (queue
// consumers, heartbeat publishers) is configured.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/nanogrid/faas-worker/internal/pool"
	"github.com/nanogrid/faas-worker/internal/sandbox"
)

// FatalConfig is returned when the environment is missing a value the
// worker cannot run without (spec.md §7).
type FatalConfig struct {
	Var string
	Err error
}

func (e *FatalConfig) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Var, e.Err)
	}
	return fmt.Sprintf("config: %s: required", e.Var)
}

func (e *FatalConfig) Unwrap() error { return e.Err }

// Config is every setting the worker process reads at startup.
type Config struct {
	WorkerID string

	TaskBaseDir string
	SDKDir      string

	// LLMModel is passed into every sandbox as LLM_MODEL so the injected
	// ai_client SDK talks to the operator's configured model instead of
	// silently falling back to its own default.
	LLMModel string

	NATSURL string

	S3Endpoint        string
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool

	RedisURL string

	CloudWatchRegion string
	MetricsEnabled   bool

	CostPerMBHour float64

	Pools []pool.RuntimeConfig
}

const defaultCostPerMBHour = 0.0000000167

// defaultLLMModel matches the injected ai_client SDK's own fallback, so an
// operator who never sets LLM_MODEL still gets a consistent value on both
// sides of the sandbox boundary.
const defaultLLMModel = "llama3:8b"

// defaultImages maps each supported runtime to its sandbox base image. The
// images are expected to already carry the language toolchain; the worker
// only injects code and SDK files at the workspace layer.
var defaultImages = map[string]string{
	"python": "faas-worker/python:3.11",
	"nodejs": "faas-worker/nodejs:20",
	"cpp":    "faas-worker/cpp:12",
}

// defaultPoolTargets is the warm-pool size per runtime when
// WARM_POOL_<RUNTIME> is unset.
var defaultPoolTargets = map[string]int{
	"python": 4,
	"nodejs": 2,
	"cpp":    1,
}

// Load builds a Config from the process environment, applying defaults
// where spec.md leaves a value to operator discretion, and returning
// *FatalConfig for anything the worker cannot start without.
func Load() (*Config, error) {
	cfg := &Config{
		WorkerID:          envOr("WORKER_ID", generateWorkerID()),
		TaskBaseDir:       envOr("TASK_BASE_DIR", "/var/lib/faas-worker/tasks"),
		SDKDir:            envOr("SDK_DIR", "/opt/faas-worker/sdk"),
		LLMModel:          envOr("LLM_MODEL", defaultLLMModel),
		RedisURL:          os.Getenv("REDIS_URL"),
		CloudWatchRegion:  envOr("AWS_REGION", "us-east-1"),
		S3Region:          envOr("S3_REGION", "us-east-1"),
		S3ForcePathStyle:  os.Getenv("S3_FORCE_PATH_STYLE") == "true",
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
	}

	natsURL, err := requireEnv("NATS_URL")
	if err != nil {
		return nil, err
	}
	cfg.NATSURL = natsURL

	bucket, err := requireEnv("S3_BUCKET")
	if err != nil {
		return nil, err
	}
	cfg.S3Bucket = bucket

	cfg.MetricsEnabled = os.Getenv("METRICS_DISABLED") != "true"

	cfg.CostPerMBHour = defaultCostPerMBHour
	if v := os.Getenv("COST_PER_MB_HOUR"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, &FatalConfig{Var: "COST_PER_MB_HOUR", Err: err}
		}
		cfg.CostPerMBHour = f
	}

	pools, err := loadPools(cfg.TaskBaseDir)
	if err != nil {
		return nil, err
	}
	cfg.Pools = pools

	return cfg, nil
}

// loadPools builds the per-runtime warm-pool configuration. Every pool
// container mounts the whole task base directory at /workspace, read-write;
// per-task isolation comes from the request-scoped subdirectory name
// (workspace.Workspace.ContainerPath), not from a per-container mount, so
// containers can be created ahead of time, before the request they will
// serve is known. Each container still runs only one invocation and is
// removed afterwards.
func loadPools(baseDir string) ([]pool.RuntimeConfig, error) {
	sharedMount := []sandbox.Mount{{HostPath: baseDir, ContainerPath: "/workspace", ReadOnly: false}}

	var configs []pool.RuntimeConfig
	for runtime, target := range defaultPoolTargets {
		envVar := "WARM_POOL_" + upper(runtime)
		if v := os.Getenv(envVar); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, &FatalConfig{Var: envVar, Err: err}
			}
			target = n
		}
		image := envOr("IMAGE_"+upper(runtime), defaultImages[runtime])

		configs = append(configs, pool.RuntimeConfig{
			Runtime: runtime,
			Image:   image,
			Target:  target,
			Limits:  sandbox.Limits{MemoryMB: 512, CPUCores: 0.5},
			Mounts:  sharedMount,
		})
	}
	return configs, nil
}

func requireEnv(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", &FatalConfig{Var: name}
	}
	return v, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

// generateWorkerID is used only as a fallback when WORKER_ID is unset. It
// mixes in a random suffix so two workers started on the same host (or the
// same worker restarted) never collide in metrics/log correlation.
func generateWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "faas-worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
