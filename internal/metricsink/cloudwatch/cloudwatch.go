// Package cloudwatch adapts AWS CloudWatch to the worker's metricsink.Sink
// interface. Puts are queued to a small worker pool so a slow or
// unreachable CloudWatch endpoint never blocks the task path that
// generated the sample.
package cloudwatch

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/rs/zerolog/log"
)

const (
	queueDepth  = 256
	workerCount = 4
	putTimeout  = 5 * time.Second
)

type sample struct {
	namespace  string
	metricName string
	dimensions map[string]string
	value      float64
	unit       string
	ts         time.Time
}

// Sink is a CloudWatch-backed metricsink.Sink.
type Sink struct {
	client *cloudwatch.Client
	queue  chan sample
	done   chan struct{}
}

// New builds a Sink and starts its background publishers. Call Close to
// drain and stop them.
func New(ctx context.Context, region string) (*Sink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("cloudwatch: load aws config: %w", err)
	}

	s := &Sink{
		client: cloudwatch.NewFromConfig(cfg),
		queue:  make(chan sample, queueDepth),
		done:   make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		go s.worker()
	}
	return s, nil
}

// Put implements metricsink.Sink. It never blocks on the network: the
// sample is enqueued and dropped (with a log) only if the queue is full.
func (s *Sink) Put(ctx context.Context, namespace, metricName string, dimensions map[string]string, value float64, unit string, ts time.Time) error {
	smp := sample{namespace: namespace, metricName: metricName, dimensions: dimensions, value: value, unit: unit, ts: ts}
	select {
	case s.queue <- smp:
		return nil
	default:
		log.Warn().Str("metric", metricName).Msg("cloudwatch: queue full, dropping sample")
		return nil
	}
}

func (s *Sink) worker() {
	for {
		select {
		case smp, ok := <-s.queue:
			if !ok {
				return
			}
			s.publish(smp)
		case <-s.done:
			return
		}
	}
}

func (s *Sink) publish(smp sample) {
	ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
	defer cancel()

	dims := make([]types.Dimension, 0, len(smp.dimensions))
	for k, v := range smp.dimensions {
		k, v := k, v
		dims = append(dims, types.Dimension{Name: &k, Value: &v})
	}

	metricName := smp.metricName
	unit := types.StandardUnit(smp.unit)
	value := smp.value
	ts := smp.ts

	_, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: &smp.namespace,
		MetricData: []types.MetricDatum{{
			MetricName: &metricName,
			Dimensions: dims,
			Value:      &value,
			Unit:       unit,
			Timestamp:  &ts,
		}},
	})
	if err != nil {
		log.Warn().Err(err).Str("metric", smp.metricName).Msg("cloudwatch publish failed")
	}
}

// Close stops accepting new samples and waits for the queue to drain.
func (s *Sink) Close() {
	close(s.queue)
	for len(s.queue) > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	close(s.done)
}
