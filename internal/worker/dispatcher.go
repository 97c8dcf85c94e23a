// Package worker runs conversation turns off the request path. Jobs from the same
// tenant run one at a time in arrival order; tenants take turns on an elastic pool.
package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"ledgerchat/internal/logging"

	"github.com/rs/zerolog/log"
)

var (
	ErrDispatcherBusy    = errors.New("dispatcher queue is full")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

// Job is one unit of work for a tenant.
type Job struct {
	TenantKey string
	Name      string
	Run       func(ctx context.Context)

	stop bool
}

// Options sizes the dispatcher.
type Options struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
	JobTimeout  time.Duration
}

type tenantQueue struct {
	jobs     []Job
	enqueued bool // waiting in the ready list
	running  bool // one of its jobs is on a worker
}

type Dispatcher struct {
	pool       *jobChannelPool
	jobQueue   chan Job
	wake       chan struct{}
	jobTimeout time.Duration

	mu        sync.Mutex
	queues    map[string]*tenantQueue
	ready     *list.List // tenants with a runnable job, oldest first
	positions map[string]*list.Element
	stopped   bool

	inflight sync.WaitGroup
	done     chan struct{}
	loopDone chan struct{}
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 2 * time.Minute
	}
	d := &Dispatcher{
		jobQueue:   make(chan Job, opts.QueueSize),
		wake:       make(chan struct{}, 1),
		jobTimeout: opts.JobTimeout,
		queues:     make(map[string]*tenantQueue),
		ready:      list.New(),
		positions:  make(map[string]*list.Element),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	d.pool = newJobChannelPool(opts.MinWorkers, opts.MaxWorkers, opts.IdleTimeout, d.execute)
	for i := 0; i < opts.MinWorkers; i++ {
		d.pool.spawnWorker()
	}
	go d.run()
	return d
}

// Submit queues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	if job.Run == nil {
		return errors.New("job has no run function")
	}
	d.mu.Lock()
	stopped := d.stopped
	if !stopped {
		d.inflight.Add(1)
	}
	d.mu.Unlock()
	if stopped {
		return ErrDispatcherStopped
	}
	select {
	case d.jobQueue <- job:
		return nil
	default:
		d.inflight.Done()
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	defer close(d.loopDone)
	for {
		if d.dispatchOne() {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			default:
			}
			continue
		}
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		case <-d.wake:
		case <-d.done:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.TenantKey]
	if q == nil {
		q = &tenantQueue{}
		d.queues[job.TenantKey] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued || q.running {
		return
	}
	q.enqueued = true
	d.positions[job.TenantKey] = d.ready.PushBack(job.TenantKey)
}

// dispatchOne hands the front tenant's next job to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.enqueued = false
	q.running = true
	d.ready.Remove(elem)
	delete(d.positions, key)
	d.mu.Unlock()

	ch, ok := d.pool.acquire()
	if !ok {
		d.inflight.Done()
		return false
	}
	log.Debug().Str("job", job.Name).Msg("dispatching job")
	ch <- job
	return true
}

// markDone lets the tenant's next job run.
func (d *Dispatcher) markDone(key string) {
	d.mu.Lock()
	if q := d.queues[key]; q != nil {
		q.running = false
		if len(q.jobs) > 0 {
			q.enqueued = true
			d.positions[key] = d.ready.PushBack(key)
		} else {
			delete(d.queues, key)
		}
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) execute(job Job) {
	defer d.inflight.Done()
	defer d.markDone(job.TenantKey)

	ctx, cancel := context.WithTimeout(context.Background(), d.jobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx).Error().Interface("panic", r).Str("job", job.Name).Msg("job panicked")
		}
	}()
	job.Run(ctx)
}

// Stop refuses new jobs, waits for queued and running jobs until ctx ends, then stops the workers.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}
	close(d.done)
	d.pool.close()
	return err
}

// Workers reports the live worker count.
func (d *Dispatcher) Workers() int {
	return d.pool.size()
}
