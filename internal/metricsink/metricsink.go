// Package metricsink defines the worker's view of the external metrics
// sink that accepts time-series samples (spec.md §6, external
// collaborator).
package metricsink

import (
	"context"
	"time"
)

// Sink publishes a single metric sample.
type Sink interface {
	Put(ctx context.Context, namespace, metricName string, dimensions map[string]string, value float64, unit string, ts time.Time) error
}
