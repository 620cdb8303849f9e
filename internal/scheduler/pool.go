package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"tenant-backup/internal/logging"
)

// Job is one unit of work handed to the pool
type Job func(ctx context.Context)

// Pool runs jobs with bounded concurrency. Jobs of one tenant run one after
// another in submission order; different tenants run in parallel.
type Pool struct {
	ctx    context.Context
	group  errgroup.Group
	logger *logging.Logger

	mu     sync.Mutex
	queues map[string][]Job
}

// NewPool creates a pool running at most limit tenants at once
func NewPool(ctx context.Context, limit int, logger *logging.Logger) *Pool {
	if limit <= 0 {
		limit = 1
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	p := &Pool{ctx: ctx, logger: logger, queues: make(map[string][]Job)}
	p.group.SetLimit(limit)
	return p
}

// Submit queues job behind the tenant's earlier jobs. It blocks while the
// pool is full and a new tenant queue has to be started.
func (p *Pool) Submit(tenantID string, job Job) {
	p.mu.Lock()
	if q, ok := p.queues[tenantID]; ok {
		p.queues[tenantID] = append(q, job)
		p.mu.Unlock()
		return
	}
	p.queues[tenantID] = []Job{job}
	p.mu.Unlock()

	p.group.Go(func() error {
		p.drain(tenantID)
		return nil
	})
}

func (p *Pool) drain(tenantID string) {
	for {
		p.mu.Lock()
		q := p.queues[tenantID]
		if len(q) == 0 {
			delete(p.queues, tenantID)
			p.mu.Unlock()
			return
		}
		if p.ctx.Err() != nil {
			delete(p.queues, tenantID)
			p.mu.Unlock()
			p.logger.WithFields(map[string]interface{}{
				"tenant_id": tenantID,
				"dropped":   len(q),
			}).Warn("Dropping queued jobs on shutdown")
			return
		}
		job := q[0]
		p.queues[tenantID] = q[1:]
		p.mu.Unlock()

		job(p.ctx)
	}
}

// Wait blocks until every submitted job has finished
func (p *Pool) Wait() {
	_ = p.group.Wait()
}
