package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pevans/intelliscrape/logger"
	"github.com/pevans/intelliscrape/metrics"
)

// ErrPoolNotRunning is returned when submitting to a pool that was never
// started or is shutting down.
var ErrPoolNotRunning = errors.New("pool is not running")

// State is the lifecycle state of a pool.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// workerKey marks the contexts of running jobs with their pool.
type workerKey struct{}

// Job is one unit of queued work.
type Job struct {
	ID         string
	Name       string
	Payload    any
	EnqueuedAt time.Time
}

// Handler processes a job. The context expires after the job timeout.
type Handler func(ctx context.Context, job Job) error

// Pool runs a fixed number of workers over a bounded job buffer.
type Pool struct {
	config  Config
	handler Handler
	log     logger.Logger
	metrics *metrics.Metrics

	state   atomic.Int32
	jobs    chan Job
	stopCh  chan struct{}
	submits sync.RWMutex
	workers sync.WaitGroup
	cancel  context.CancelFunc

	// overflow holds jobs submitted by running jobs while the buffer was
	// full; feed moves them into jobs as space frees up.
	overflowMu sync.Mutex
	overflow   []Job
	spilled    chan struct{}
	fed        chan struct{}

	pending   atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a stopped pool.
func NewPool(cfg Config, handler Handler, log logger.Logger, m *metrics.Metrics) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if log == nil {
		log = logger.NewNop()
	}

	p := &Pool{
		config:  cfg,
		handler: handler,
		log:     log,
		metrics: m,
		jobs:    make(chan Job, cfg.QueueSize),
		stopCh:  make(chan struct{}),
		spilled: make(chan struct{}, 1),
		fed:     make(chan struct{}),
	}
	p.state.Store(int32(StateStopped))
	return p, nil
}

// Start launches the workers. Jobs run under contexts carrying the values of
// ctx but not its cancellation: queued jobs keep running until Stop has
// drained them or its timeout passed.
func (p *Pool) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return errors.New("pool is already running")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	go p.feed()
	for i := range p.config.PoolSize {
		p.workers.Add(1)
		go p.work(runCtx, i)
	}

	p.log.Info("Worker pool started",
		logger.Int("pool_size", p.config.PoolSize),
		logger.Int("queue_size", p.config.QueueSize),
	)
	return nil
}

// Submit queues a job, blocking while the buffer is full. Jobs submitted
// from a running job of this pool never block: when the buffer is full they
// wait in an overflow list, so workers cannot stall on their own queue.
// Such jobs are also accepted while the pool drains, and drained with the
// rest.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.submits.RLock()
	defer p.submits.RUnlock()

	fromJob := ctx.Value(workerKey{}) == p
	switch p.State() {
	case StateRunning:
	case StateDraining:
		if !fromJob {
			return ErrPoolNotRunning
		}
	default:
		return ErrPoolNotRunning
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	p.pending.Add(1)
	if fromJob {
		p.spill(job)
		return nil
	}

	select {
	case p.jobs <- job:
		p.metrics.SetQueueDepth(p.queued())
		return nil
	case <-ctx.Done():
		p.pending.Add(-1)
		return ctx.Err()
	case <-p.stopCh:
		p.pending.Add(-1)
		return ErrPoolNotRunning
	}
}

// spill queues job without blocking, behind any job already overflowed.
func (p *Pool) spill(job Job) {
	p.overflowMu.Lock()
	if len(p.overflow) == 0 {
		select {
		case p.jobs <- job:
			p.overflowMu.Unlock()
			p.metrics.SetQueueDepth(p.queued())
			return
		default:
		}
	}
	p.overflow = append(p.overflow, job)
	p.overflowMu.Unlock()

	p.metrics.SetQueueDepth(p.queued())
	select {
	case p.spilled <- struct{}{}:
	default:
	}
}

// nextOverflow removes the oldest overflowed job.
func (p *Pool) nextOverflow() (Job, bool) {
	p.overflowMu.Lock()
	defer p.overflowMu.Unlock()
	if len(p.overflow) == 0 {
		return Job{}, false
	}
	job := p.overflow[0]
	p.overflow = p.overflow[1:]
	return job, true
}

// requeueOverflow puts a job back at the head of the overflow list.
func (p *Pool) requeueOverflow(job Job) {
	p.overflowMu.Lock()
	defer p.overflowMu.Unlock()
	p.overflow = append([]Job{job}, p.overflow...)
}

// feed moves overflowed jobs into the buffer until the pool stops. Jobs
// still overflowed then are drained by the workers.
func (p *Pool) feed() {
	defer close(p.fed)

	for {
		job, ok := p.nextOverflow()
		if !ok {
			select {
			case <-p.spilled:
				continue
			case <-p.stopCh:
				return
			}
		}

		select {
		case p.jobs <- job:
		case <-p.stopCh:
			p.requeueOverflow(job)
			return
		}
	}
}

func (p *Pool) queued() int {
	p.overflowMu.Lock()
	defer p.overflowMu.Unlock()
	return len(p.jobs) + len(p.overflow)
}

// Stop refuses new jobs, lets the workers finish what is queued along with
// whatever those jobs queue in turn, and returns once they exit or the drain
// timeout passes.
func (p *Pool) Stop(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return ErrPoolNotRunning
	}
	p.log.Info("Worker pool draining", logger.Int("queued", p.queued()))

	close(p.stopCh)
	// Wait out submits that were already past the state check.
	p.submits.Lock()
	p.submits.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.log.Info("Worker pool stopped gracefully")
	case <-ctx.Done():
		err = ctx.Err()
		p.log.Warn("Worker pool stop interrupted")
	case <-time.After(p.config.DrainTimeout):
		err = errors.New("drain timeout exceeded")
		p.log.Warn("Worker pool drain timeout exceeded")
	}

	p.cancel()
	p.state.Store(int32(StateStopped))
	return err
}

// Wait blocks until no job is queued or running, or ctx is done. Jobs
// submitted by running jobs are waited for too.
func (p *Pool) Wait(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for p.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.workers.Done()

	for {
		select {
		case job := <-p.jobs:
			p.process(ctx, id, job)
		case <-p.stopCh:
			<-p.fed
			for {
				select {
				case job := <-p.jobs:
					p.process(ctx, id, job)
					continue
				default:
				}
				job, ok := p.nextOverflow()
				if !ok {
					return
				}
				p.process(ctx, id, job)
			}
		}
	}
}

func (p *Pool) process(ctx context.Context, workerID int, job Job) {
	defer p.pending.Add(-1)
	p.metrics.SetQueueDepth(p.queued())

	jobCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()
	jobCtx = context.WithValue(jobCtx, workerKey{}, p)

	start := time.Now()
	err := p.run(jobCtx, job)

	p.processed.Add(1)
	p.metrics.Job(job.Name, err)
	if err != nil {
		p.failed.Add(1)
		p.log.Error("Job failed",
			logger.String("job_id", job.ID),
			logger.String("job", job.Name),
			logger.Int("worker", workerID),
			logger.Duration("took", time.Since(start)),
			logger.Error(err),
		)
		return
	}
	p.log.Debug("Job finished",
		logger.String("job_id", job.ID),
		logger.String("job", job.Name),
		logger.Int("worker", workerID),
		logger.Duration("took", time.Since(start)),
	)
}

// run calls the handler and reports a panic as an error.
func (p *Pool) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

// State returns the current pool state.
func (p *Pool) State() State {
	return State(p.state.Load())
}

// Stats is a snapshot of pool counters.
type Stats struct {
	State     State `json:"-"`
	PoolSize  int   `json:"pool_size"`
	Queued    int   `json:"queued"`
	Pending   int64 `json:"pending"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		State:     p.State(),
		PoolSize:  p.config.PoolSize,
		Queued:    p.queued(),
		Pending:   p.pending.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}
