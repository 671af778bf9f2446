// Command faas-worker runs the queue-driven FaaS execution worker: it
// consumes invocation tasks, executes each in a pre-warmed sandbox, and
// reports results, resource usage, and right-sizing advice back to its
// collaborators.
//
// Usage:
//
//	faas-worker serve
//
// Configuration is read entirely from the environment; see
// internal/config for the full list of variables.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nanogrid/faas-worker/internal/cli"
)

// Version information (set via ldflags at build time).
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if os.Getenv("FAAS_WORKER_ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	}

	log.Info().
		Str("version", Version).
		Str("commit", GitCommit).
		Str("built", BuildDate).
		Msg("faas-worker starting up")

	cli.Execute()
}
