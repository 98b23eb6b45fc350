package probing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"smartconnect/common"
	"smartconnect/structs"
)

// ErrDeadlineExceeded is the cause recorded for probes still outstanding when the round ends
var ErrDeadlineExceeded = errors.New("probe outstanding at round deadline")

// Pool runs one probe per profile with bounded concurrency
type Pool struct {
	maxWorkers int
}

// NewPool creates a prober pool. maxWorkers <= 0 means common.MaxPoolWorkers.
func NewPool(maxWorkers int) *Pool {
	if maxWorkers <= 0 || maxWorkers > common.MaxPoolWorkers {
		maxWorkers = common.MaxPoolWorkers
	}
	return &Pool{maxWorkers: maxWorkers}
}

// ProbeAll probes every profile and returns exactly one result per profile, in input order.
// Probes still running when overallDeadline elapses, or when ctx is cancelled, are recorded
// Unreachable and cancelled. Only invalid arguments produce an error.
func (p *Pool) ProbeAll(ctx context.Context, profiles []structs.ServerProfile, prober Prober,
	perProbeTimeout, overallDeadline time.Duration) ([]structs.ProbeResult, error) {
	return p.ProbeAllWithProgress(ctx, profiles, prober, perProbeTimeout, overallDeadline, nil)
}

// ProbeAllWithProgress is ProbeAll with a callback for every probe that completes in time.
// Callbacks are serialized and never run after ProbeAllWithProgress returns.
func (p *Pool) ProbeAllWithProgress(ctx context.Context, profiles []structs.ServerProfile, prober Prober,
	perProbeTimeout, overallDeadline time.Duration, onResult func(structs.ProbeResult)) ([]structs.ProbeResult, error) {
	if prober == nil {
		return nil, fmt.Errorf("nil prober")
	}
	if perProbeTimeout <= 0 || overallDeadline <= 0 {
		return nil, fmt.Errorf("invalid probe timeouts: per probe %v, overall %v", perProbeTimeout, overallDeadline)
	}

	results := make([]structs.ProbeResult, len(profiles))
	if len(profiles) == 0 {
		return results, nil
	}

	workers := p.maxWorkers
	if len(profiles) < workers {
		workers = len(profiles)
	}
	pool, err := common.NewPool(common.PoolConfig{MaxWorkers: workers})
	if err != nil {
		return nil, err
	}

	roundCtx, cancel := context.WithTimeout(ctx, overallDeadline)
	defer cancel()

	log.Infof("Starting probe round for %d servers, workers=%d, deadline=%v", len(profiles), workers, overallDeadline)

	var (
		mu        sync.Mutex
		closed    bool
		done      = make([]bool, len(profiles))
		remaining = len(profiles)
		allDone   = make(chan struct{})
		wg        sync.WaitGroup
	)

	record := func(i int, r structs.ProbeResult) {
		mu.Lock()
		defer mu.Unlock()
		if closed || done[i] {
			return
		}
		r.ServerID = profiles[i].ID
		results[i] = r
		done[i] = true
		if onResult != nil {
			onResult(r)
		}
		remaining--
		if remaining == 0 {
			close(allDone)
		}
	}

	// Submit blocks while every worker is busy, so it runs beside the deadline wait
	go func() {
		for i := range profiles {
			idx, profile := i, profiles[i]
			wg.Add(1)
			if err := pool.Submit(func() {
				defer wg.Done()
				record(idx, prober.Probe(roundCtx, profile, perProbeTimeout))
			}); err != nil {
				// compensate wg, otherwise the release below never happens
				wg.Done()
				log.Warnf("failed to submit probe task for %s: %v", profile.ID, err)
				record(idx, unreachable(profile, fmt.Errorf("failed to submit probe: %w", err)))
			}
		}
		wg.Wait()
		pool.Release()
	}()

	select {
	case <-allDone:
	case <-roundCtx.Done():
	}

	mu.Lock()
	closed = true
	cause := ErrDeadlineExceeded
	if ctx.Err() != nil {
		cause = fmt.Errorf("probe round cancelled: %w", ctx.Err())
	}
	now := time.Now()
	succeeded, timedOut := 0, 0
	for i := range results {
		if !done[i] {
			results[i] = structs.ProbeResult{
				ServerID: profiles[i].ID,
				Latency:  structs.Unreachable,
				ProbedAt: now,
				Cause:    cause,
			}
			timedOut++
		}
		if results[i].Latency.Reachable() {
			succeeded++
		}
	}
	mu.Unlock()

	log.Infof("Probe completed: %d total, %d succeeded, %d failed, %d outstanding at deadline",
		len(results), succeeded, len(results)-succeeded, timedOut)
	return results, nil
}
