package lifecycle

import (
	"context"
	"sync"

	"github.com/zjrosen/concierge/internal/domain"
	"github.com/zjrosen/concierge/internal/log"
	"github.com/zjrosen/concierge/internal/orchestrator/workerclient"
)

// WorkerDispatch is the worker call the gate makes.
type WorkerDispatch interface {
	Execute(ctx context.Context, req workerclient.ExecuteRequest) error
}

// JobReader is the local-store check used when popping the queue.
type JobReader interface {
	Get(id string) (*domain.Job, error)
}

// queuedJob is one waiting dispatch. Credentials ride along so the pop can
// dispatch without a second unseal round-trip.
type queuedJob struct {
	job   *domain.Job
	creds map[string]string
}

// Gate bounds concurrent worker dispatches. The active set and the FIFO
// queue share one lock, and the dispatch HTTP call happens under that lock:
// two parallel consents can never overshoot the worker's slot count. The
// call is expected to finish in well under a second.
type Gate struct {
	mu     sync.Mutex
	active map[string]struct{}
	queue  []queuedJob
	max    int
	worker WorkerDispatch
	jobs   JobReader
}

// NewGate creates a dispatch gate with the given slot bound.
func NewGate(worker WorkerDispatch, jobs JobReader, maxConcurrent int) *Gate {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Gate{
		active: make(map[string]struct{}),
		max:    maxConcurrent,
		worker: worker,
		jobs:   jobs,
	}
}

// Dispatch starts the job if a slot is free, else queues it. queued reports
// which happened.
func (g *Gate) Dispatch(ctx context.Context, job *domain.Job, creds map[string]string) (queued bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, running := g.active[job.ID]; running {
		return false, nil
	}

	if len(g.active) >= g.max {
		g.queue = append(g.queue, queuedJob{job: job, creds: creds})
		log.Info(log.CatLifecycle, "Job queued for dispatch", "jobID", job.ID, "queueLen", len(g.queue))
		return true, nil
	}

	if err := g.execute(ctx, job, creds); err != nil {
		return false, err
	}
	return false, nil
}

// execute performs the worker call and records the slot. Caller holds g.mu.
func (g *Gate) execute(ctx context.Context, job *domain.Job, creds map[string]string) error {
	req := workerclient.ExecuteRequest{
		JobID:           job.ID,
		Service:         job.ServiceID,
		Action:          string(job.Action),
		Credentials:     creds,
		PlanID:          job.PlanID,
		PlanDisplayName: job.PlanDisplayName,
		UserNpub:        job.UserNpub,
	}
	if err := g.worker.Execute(ctx, req); err != nil {
		return err
	}
	g.active[job.ID] = struct{}{}
	log.Info(log.CatLifecycle, "Job dispatched", "jobID", job.ID, "active", len(g.active))
	return nil
}

// OnJobComplete frees the job's slot and dispatches the queue head, skipping
// entries whose local row vanished or went terminal while they waited
// (raced with reconciliation).
func (g *Gate) OnJobComplete(ctx context.Context, jobID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.active, jobID)

	for len(g.queue) > 0 && len(g.active) < g.max {
		head := g.queue[0]
		g.queue = g.queue[1:]

		current, err := g.jobs.Get(head.job.ID)
		if err != nil || current.Status.IsTerminal() {
			log.Debug(log.CatLifecycle, "Skipping vanished queued job", "jobID", head.job.ID)
			continue
		}

		if err := g.execute(ctx, head.job, head.creds); err != nil {
			log.ErrorErr(log.CatLifecycle, "Failed to dispatch queued job", err, "jobID", head.job.ID)
			continue
		}
		return
	}
}

// Remove drops a job from both the active set and the queue without
// dispatching anything. Reconciliation uses this.
func (g *Gate) Remove(jobID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.active, jobID)
	kept := g.queue[:0]
	for _, q := range g.queue {
		if q.job.ID != jobID {
			kept = append(kept, q)
		}
	}
	g.queue = kept
}

// ActiveCount returns how many jobs hold slots.
func (g *Gate) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// QueueLen returns how many jobs are waiting.
func (g *Gate) QueueLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}
