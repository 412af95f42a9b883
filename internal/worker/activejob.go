// Package worker implements the automation worker: an HTTP control plane
// that accepts browser jobs, drives each one in a bounded pool, and bridges
// interactive challenges back to the orchestrator.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Future is a one-shot, thread-safe slot for a value supplied by another
// goroutine. The driver blocks on Wait while the orchestrator's relay
// fulfills it from an HTTP handler.
type Future struct {
	once sync.Once
	ch   chan string
}

// NewFuture creates an unfulfilled future.
func NewFuture() *Future {
	return &Future{ch: make(chan string, 1)}
}

// Fulfill delivers the value. Second and later calls are no-ops.
func (f *Future) Fulfill(value string) {
	f.once.Do(func() { f.ch <- value })
}

// Wait blocks until the future is fulfilled, the timeout elapses, or ctx is
// cancelled.
func (f *Future) Wait(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-f.ch:
		return v, nil
	case <-timer.C:
		return "", fmt.Errorf("timed out waiting for value")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ActiveJob is the worker-side record of one running automation. It exists
// from /execute acceptance until the result is reported.
type ActiveJob struct {
	JobID     string
	Service   string
	Action    string
	StartedAt time.Time

	cancel context.CancelFunc

	mu         sync.Mutex
	otpFuture  *Future
	credFuture *Future
	credName   string
}

// Abort cancels the job's driver context.
func (j *ActiveJob) Abort() {
	j.cancel()
}

// ExpectOTP installs a fresh code future and returns it.
func (j *ActiveJob) ExpectOTP() *Future {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.otpFuture = NewFuture()
	return j.otpFuture
}

// FulfillOTP delivers a user-supplied code. Returns false when no code is
// expected.
func (j *ActiveJob) FulfillOTP(code string) bool {
	j.mu.Lock()
	f := j.otpFuture
	j.otpFuture = nil
	j.mu.Unlock()
	if f == nil {
		return false
	}
	f.Fulfill(code)
	return true
}

// ExpectCredential installs a fresh credential future under a name.
func (j *ActiveJob) ExpectCredential(name string) *Future {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.credFuture = NewFuture()
	j.credName = name
	return j.credFuture
}

// FulfillCredential delivers a user-supplied secret. Returns false when the
// name does not match the pending request or nothing is pending.
func (j *ActiveJob) FulfillCredential(name, value string) bool {
	j.mu.Lock()
	f := j.credFuture
	expected := j.credName
	if f == nil || name != expected {
		j.mu.Unlock()
		return false
	}
	j.credFuture = nil
	j.credName = ""
	j.mu.Unlock()
	f.Fulfill(value)
	return true
}

// registry tracks active jobs under one mutex; the slot bound is enforced
// here.
type registry struct {
	mu   sync.Mutex
	jobs map[string]*ActiveJob
	max  int
}

func newRegistry(maxSlots int) *registry {
	if maxSlots < 1 {
		maxSlots = 1
	}
	return &registry{jobs: make(map[string]*ActiveJob), max: maxSlots}
}

// add records a job if the id is new and a slot is free.
func (r *registry) add(job *ActiveJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.JobID]; exists {
		return fmt.Errorf("job %s already active", job.JobID)
	}
	if len(r.jobs) >= r.max {
		return fmt.Errorf("all %d slots busy", r.max)
	}
	r.jobs[job.JobID] = job
	return nil
}

func (r *registry) get(jobID string) (*ActiveJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	return job, ok
}

func (r *registry) remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}

func (r *registry) list() []*ActiveJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := make([]*ActiveJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
