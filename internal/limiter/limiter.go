// Package limiter implements the process-wide admission control described
// in spec.md §4.9: a counting semaphore whose permit count is derived once
// at startup from the host's installed RAM.
package limiter

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	lowRAMThresholdMB  = 4096
	lowRAMReserveFrac  = 0.4
	highRAMReserveMB   = 1536
	mbPerPermit        = 128
	minPermits         = 1
	maxPermits         = 500
	fallbackTotalRAMMB = 2048
)

// Limiter is a counting semaphore sized to leave the host enough headroom
// outside of sandbox memory limits for the worker process itself, the
// Docker daemon, and the kernel page cache.
type Limiter struct {
	permits chan struct{}
	total   int
}

// New computes the permit count from host RAM and returns a ready Limiter.
func New() *Limiter {
	totalMB := detectTotalRAMMB()

	var reservedMB float64
	if totalMB < lowRAMThresholdMB {
		reservedMB = float64(totalMB) * lowRAMReserveFrac
	} else {
		reservedMB = highRAMReserveMB
	}

	available := float64(totalMB) - reservedMB
	permits := int(available / mbPerPermit)
	if permits < minPermits {
		permits = minPermits
	}
	if permits > maxPermits {
		permits = maxPermits
	}

	log.Info().
		Int("host_ram_mb", totalMB).
		Int("reserved_mb", int(reservedMB)).
		Int("concurrency_limit", permits).
		Msg("global limiter configured")

	l := &Limiter{
		permits: make(chan struct{}, permits),
		total:   permits,
	}
	for i := 0; i < permits; i++ {
		l.permits <- struct{}{}
	}
	return l
}

// Total returns the configured permit count.
func (l *Limiter) Total() int { return l.total }

// Acquire blocks until a permit is available or ctx is canceled.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case <-l.permits:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit to the pool. Callers must call Release exactly
// once per successful Acquire, on every exit path (spec.md §4.7 step 14).
func (l *Limiter) Release() {
	select {
	case l.permits <- struct{}{}:
	default:
		// Should never happen unless Release is called more times than
		// Acquire; drop rather than block or panic.
	}
}

// detectTotalRAMMB reads MemTotal out of /proc/meminfo, following the same
// hand-parsed idiom this codebase's host-introspection code uses elsewhere,
// falling back to a conservative default when unavailable (non-Linux, or
// /proc unmounted).
func detectTotalRAMMB() int {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		log.Warn().Err(err).Msg("failed to read /proc/meminfo, using default host RAM estimate")
		return fallbackTotalRAMMB
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			break
		}
		return int(kb / 1024)
	}
	log.Warn().Msg("MemTotal not found in /proc/meminfo, using default host RAM estimate")
	return fallbackTotalRAMMB
}
