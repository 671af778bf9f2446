// Package autotuner is a pure, side-effect-free analyzer that turns one
// execution's captured metrics into an optimization tip, an estimated
// monthly savings, and a recommended memory allocation (spec.md §4.8).
package autotuner

import (
	"fmt"
	"math"
)

// COSTPerMBHour is the assumed per-MB-hour billing rate used to project
// monthly savings from a rightsizing recommendation.
const COSTPerMBHour = 0.0000000167

const (
	bytesPerMB     = 1 << 20
	networkIOMB    = 5 * 1024 * 1024
	diskIOMB       = 10 * 1024 * 1024
	hoursPerMonth  = 730
	wasteRatio     = 0.30
	riskRatio      = 0.85
	cpuBoundRatio  = 0.8
	ioBoundRatio   = 0.2
	ioBoundMinMs   = 500
	minRecMemoryMB = 32
)

// Metrics is the input to Analyze, captured by the Executor after one
// invocation completes.
type Metrics struct {
	PeakMemoryBytes int64
	AllocatedMB     int
	DurationMs      int64
	// CPUUsageMicros is CPU time in microseconds, summed across all cores.
	CPUUsageMicros int64
	NetworkBytes   int64
	DiskBytes      int64
	// CostPerMBHour overrides COSTPerMBHour when set (operator-configured
	// via COST_PER_MB_HOUR); zero means "use the package default".
	CostPerMBHour float64
}

// Analyze derives an optimization tip, an estimated monthly savings string,
// and a recommended memory allocation from m. It is deterministic: equal
// inputs always produce equal outputs, and it performs no I/O.
func Analyze(m Metrics) (tip, savings *string, recommendedMB *int) {
	if m.PeakMemoryBytes <= 0 {
		return nil, nil, nil
	}

	allocatedMB := m.AllocatedMB
	if allocatedMB <= 0 {
		allocatedMB = 128
	}

	peakMB := float64(m.PeakMemoryBytes) / bytesPerMB
	memRatio := peakMB / float64(allocatedMB)

	var memTip string
	var recMB int
	haveRec := false

	switch {
	case memRatio < wasteRatio:
		recMB = int(math.Max(math.Round(peakMB*2.0), minRecMemoryMB))
		haveRec = true
		if recMB < allocatedMB {
			savedPct := int(math.Round((1 - float64(recMB)/float64(allocatedMB)) * 100))
			memTip = fmt.Sprintf("Resource Waste: usage (%dMB) is low for the %dMB allocation. Reduce to %dMB to save %d%%.",
				int(math.Round(peakMB)), allocatedMB, recMB, savedPct)
		}
	case memRatio > riskRatio:
		recMB = int(math.Round(peakMB * 1.2))
		haveRec = true
		memTip = fmt.Sprintf("Memory Risk: usage (%dMB) is at %d%% of the %dMB allocation. Increase to %dMB.",
			int(math.Round(peakMB)), int(math.Round(memRatio*100)), allocatedMB, recMB)
	}

	cpuUtil := 0.0
	if m.DurationMs > 0 {
		cpuUtil = (float64(m.CPUUsageMicros) / 1000.0) / float64(m.DurationMs)
	}

	var cpuMsg string
	switch {
	case cpuUtil > cpuBoundRatio:
		cpuMsg = "CPU Bound: high computation load."
	case cpuUtil < ioBoundRatio && m.DurationMs > ioBoundMinMs:
		switch {
		case m.NetworkBytes > networkIOMB:
			cpuMsg = "I/O Bound: high network traffic detected."
		case m.DiskBytes > diskIOMB:
			cpuMsg = "I/O Bound: high disk I/O detected."
		default:
			cpuMsg = "I/O Bound: low CPU utilization but slow execution — likely waiting on external latency."
		}
	}

	combined := combine(memTip, cpuMsg)
	if combined != "" {
		tip = &combined
	}

	if haveRec {
		recommendedMB = &recMB
		if recMB < allocatedMB {
			rate := m.CostPerMBHour
			if rate <= 0 {
				rate = COSTPerMBHour
			}
			diff := float64(allocatedMB - recMB)
			monthly := diff * rate * hoursPerMonth
			s := fmt.Sprintf("$%.2f/month", monthly)
			savings = &s
		}
	}

	return tip, savings, recommendedMB
}

func combine(memTip, cpuMsg string) string {
	switch {
	case memTip != "" && cpuMsg != "":
		return memTip + " | " + cpuMsg
	case memTip != "":
		return memTip
	default:
		return cpuMsg
	}
}
