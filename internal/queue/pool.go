// internal/queue/pool.go
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"notification-dispatcher/internal/common/config"
	apperrors "notification-dispatcher/internal/common/errors"
	"notification-dispatcher/internal/common/logger"
	"notification-dispatcher/internal/common/metrics"
	"notification-dispatcher/internal/common/observability"
	"notification-dispatcher/internal/models"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// Task is the executor's view of one job attempt.
type Task struct {
	JobID   string
	Kind    Kind
	Lane    Lane
	Label   string
	Attempt int
	Items   []models.DispatchItem
}

// ExecResult reports one attempt. Items in Retry are sent again later;
// an Err is a hard failure that ends the job.
type ExecResult struct {
	Delivered     int
	InvalidTokens int
	Retry         []models.DispatchItem
	// RateLimited selects the dedicated rate-limit delay for Retry.
	RateLimited bool
	Err         error
}

type Executor interface {
	Execute(ctx context.Context, task Task) ExecResult
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task) ExecResult

func (f ExecutorFunc) Execute(ctx context.Context, task Task) ExecResult {
	return f(ctx, task)
}

type LaneOptions struct {
	Workers  int
	Capacity int
}

type Options struct {
	Lanes               [numLanes]LaneOptions
	MaxRetries          int
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	RateLimitBackoff    time.Duration
	RateLimitMaxRetries int
	JobTimeout          time.Duration
	ShutdownGrace       time.Duration
	StatusRetention     time.Duration
}

// OptionsFromConfig converts the dispatch section into pool options.
func OptionsFromConfig(cfg config.DispatchConfig, jobTimeout time.Duration) Options {
	lane := func(c config.LaneConfig) LaneOptions {
		return LaneOptions{Workers: c.Workers, Capacity: c.Capacity}
	}
	return Options{
		Lanes: [numLanes]LaneOptions{
			LaneUrgent:    lane(cfg.Lanes.Urgent),
			LaneBatch:     lane(cfg.Lanes.Batch),
			LaneSingle:    lane(cfg.Lanes.Single),
			LaneBroadcast: lane(cfg.Lanes.Broadcast),
		},
		MaxRetries:          cfg.MaxRetries,
		BackoffBase:         config.GetDuration(cfg.BackoffBase),
		BackoffCap:          config.GetDuration(cfg.BackoffCap),
		RateLimitBackoff:    config.GetDuration(cfg.RateLimitBackoff),
		RateLimitMaxRetries: cfg.RateLimitMaxRetries,
		JobTimeout:          jobTimeout,
		ShutdownGrace:       config.GetDuration(cfg.ShutdownGrace),
		StatusRetention:     config.GetDuration(cfg.StatusRetention),
	}
}

func (o *Options) applyDefaults() {
	for i := range o.Lanes {
		if o.Lanes[i].Workers <= 0 {
			o.Lanes[i].Workers = 1
		}
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Minute
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = time.Hour
	}
	if o.RateLimitBackoff <= 0 {
		o.RateLimitBackoff = 5 * time.Minute
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 5 * time.Minute
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 30 * time.Second
	}
	if o.StatusRetention <= 0 {
		o.StatusRetention = time.Hour
	}
}

// Pool runs dispatch jobs on per-lane workers. A single dispatcher goroutine
// hands ready jobs to idle workers, scanning lanes in priority order.
type Pool struct {
	opts       Options
	executor   Executor
	logger     logger.Logger
	errHandler *apperrors.ErrorHandler
	obs        *observability.Observability
	now        func() time.Time

	mu       sync.Mutex
	active   map[string]*Job
	ready    [numLanes]readyHeap
	idle     [numLanes]int
	seq      uint64
	started  bool
	stopped  bool
	finished *cache.Cache

	lanes   [numLanes]chan *Job
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	workers sync.WaitGroup
}

// NewPool builds a pool; obs may be nil.
func NewPool(executor Executor, opts Options, obs *observability.Observability, log logger.Logger) *Pool {
	opts.applyDefaults()
	p := &Pool{
		opts:       opts,
		executor:   executor,
		logger:     log.WithFields(map[string]interface{}{"component": "queue"}),
		errHandler: apperrors.NewErrorHandler(log),
		obs:        obs,
		now:        time.Now,
		active:     make(map[string]*Job),
		finished:   cache.New(opts.StatusRetention, opts.StatusRetention/2),
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, lane := range Lanes {
		p.lanes[lane] = make(chan *Job)
	}
	return p
}

// Start launches the workers and the dispatcher. Calling it twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for _, lane := range Lanes {
		for i := 0; i < p.opts.Lanes[lane].Workers; i++ {
			p.workers.Add(1)
			go p.worker(lane)
		}
	}
	go p.dispatch()

	p.logger.Info("worker pool started", map[string]interface{}{
		"urgentWorkers":    p.opts.Lanes[LaneUrgent].Workers,
		"batchWorkers":     p.opts.Lanes[LaneBatch].Workers,
		"singleWorkers":    p.opts.Lanes[LaneSingle].Workers,
		"broadcastWorkers": p.opts.Lanes[LaneBroadcast].Workers,
	})
}

// Enqueue submits a job that becomes ready after delay and returns its id.
// It never blocks on execution.
func (p *Pool) Enqueue(spec Spec, delay time.Duration) (string, error) {
	lane, ok := LaneFor(spec.Kind)
	if !ok {
		return "", apperrors.NewInvalidRequestError(fmt.Sprintf("unknown job kind %q", spec.Kind))
	}
	if len(spec.Items) == 0 {
		return "", apperrors.NewInvalidRequestError("job has no items")
	}
	if delay < 0 {
		delay = 0
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return "", apperrors.NewQueueStoppedError()
	}
	if limit := p.opts.Lanes[lane].Capacity; limit > 0 && p.ready[lane].Len() >= limit {
		p.mu.Unlock()
		return "", apperrors.NewQueueFullError(lane.String())
	}

	now := p.now()
	p.seq++
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      spec.Kind,
		Lane:      lane,
		Label:     spec.Label,
		Items:     spec.Items,
		State:     StateQueued,
		ReadyAt:   now.Add(delay),
		CreatedAt: now,
		UpdatedAt: now,
		Summary:   Summary{Items: len(spec.Items)},
		seq:       p.seq,
	}
	p.active[job.ID] = job
	heap.Push(&p.ready[lane], job)
	pending := p.ready[lane].Len()
	p.mu.Unlock()

	metrics.JobsEnqueued.WithLabelValues(lane.String()).Inc()
	metrics.JobsPending.WithLabelValues(lane.String()).Set(float64(pending))
	p.signal()

	p.logger.Debug("job enqueued", map[string]interface{}{
		"jobId": job.ID,
		"lane":  lane.String(),
		"items": len(spec.Items),
		"delay": delay.String(),
	})
	return job.ID, nil
}

// Status returns the current view of a job, active or recently finished.
func (p *Pool) Status(jobID string) (JobStatus, error) {
	p.mu.Lock()
	job, ok := p.active[jobID]
	var st JobStatus
	if ok {
		st = job.status()
	}
	p.mu.Unlock()
	if ok {
		return st, nil
	}

	if v, found := p.finished.Get(jobID); found {
		return v.(JobStatus), nil
	}
	return JobStatus{}, apperrors.NewJobNotFoundError(jobID)
}

// Shutdown stops accepting and dispatching, then waits for in-flight jobs
// up to the grace timeout. Jobs still waiting are logged and abandoned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	abandoned := 0
	for _, lane := range Lanes {
		for _, job := range p.ready[lane] {
			p.logger.Warn("abandoning pending job", map[string]interface{}{
				"jobId":    job.ID,
				"lane":     job.Lane.String(),
				"state":    string(job.State),
				"items":    len(job.Items),
				"attempts": job.Attempts,
			})
			p.abandonLocked(job)
			abandoned++
		}
		p.ready[lane] = nil
	}
	p.mu.Unlock()

	if started {
		close(p.quit)
		<-p.done
	}

	for _, lane := range Lanes {
		metrics.JobsPending.WithLabelValues(lane.String()).Set(0)
	}

	drained := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(drained)
	}()

	grace := time.NewTimer(p.opts.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-drained:
		p.logger.Info("worker pool stopped", map[string]interface{}{"abandoned": abandoned})
		return nil
	case <-grace.C:
		return fmt.Errorf("shutdown grace of %s exceeded with jobs in flight", p.opts.ShutdownGrace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

type handoff struct {
	lane Lane
	job  *Job
}

func (p *Pool) dispatch() {
	defer close(p.done)
	defer func() {
		for _, lane := range Lanes {
			close(p.lanes[lane])
		}
	}()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		batch, wait := p.collectReady()
		for _, h := range batch {
			p.lanes[h.lane] <- h.job
		}
		if wait > 0 {
			timer.Reset(wait)
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-p.quit:
			return
		case <-p.wake:
		case <-timer.C:
		}
	}
}

// collectReady pops every job that is due and has an idle worker, in lane
// priority order, marking each InFlight. wait is the time until the next
// due job among lanes that still have idle workers.
func (p *Pool) collectReady() ([]handoff, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var (
		out  []handoff
		wait time.Duration
	)
	for _, lane := range Lanes {
		h := &p.ready[lane]
		for p.idle[lane] > 0 {
			next := h.peek()
			if next == nil {
				break
			}
			if next.ReadyAt.After(now) {
				if d := next.ReadyAt.Sub(now); wait == 0 || d < wait {
					wait = d
				}
				break
			}
			heap.Pop(h)
			if next.State == StateRetrying {
				_ = next.transition(StateQueued, now)
			}
			if err := next.transition(StateInFlight, now); err != nil {
				p.logger.Error("dropping job in unexpected state", map[string]interface{}{
					"jobId": next.ID,
					"error": err.Error(),
				})
				continue
			}
			next.Attempts++
			p.idle[lane]--
			out = append(out, handoff{lane: lane, job: next})
		}
		if len(out) > 0 {
			metrics.JobsPending.WithLabelValues(lane.String()).Set(float64(h.Len()))
		}
	}
	return out, wait
}

func (p *Pool) worker(lane Lane) {
	defer p.workers.Done()
	for {
		p.mu.Lock()
		p.idle[lane]++
		p.mu.Unlock()
		p.signal()

		job, ok := <-p.lanes[lane]
		if !ok {
			return
		}
		p.run(job)
	}
}

func (p *Pool) run(job *Job) {
	p.mu.Lock()
	task := Task{
		JobID:   job.ID,
		Kind:    job.Kind,
		Lane:    job.Lane,
		Label:   job.Label,
		Attempt: job.Attempts,
		Items:   job.Items,
	}
	p.mu.Unlock()

	laneName := job.Lane.String()
	metrics.JobsActive.WithLabelValues(laneName).Inc()
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.JobTimeout)
	res := p.execute(ctx, task)
	cancel()

	elapsed := time.Since(start)
	metrics.JobsActive.WithLabelValues(laneName).Dec()
	metrics.JobDuration.WithLabelValues(laneName).Observe(elapsed.Seconds())
	p.obs.RecordJobDuration(context.Background(), laneName, elapsed)
	p.obs.RecordItems(context.Background(), laneName, "delivered", res.Delivered)
	p.obs.RecordItems(context.Background(), laneName, "invalid_token", res.InvalidTokens)

	p.complete(job, res)
}

func (p *Pool) execute(ctx context.Context, task Task) (res ExecResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ExecResult{Err: apperrors.NewInternalError(fmt.Errorf("executor panic: %v", r))}
		}
	}()
	return p.executor.Execute(ctx, task)
}

func (p *Pool) complete(job *Job, res ExecResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	job.Summary.Delivered += res.Delivered
	job.Summary.InvalidTokens += res.InvalidTokens

	if res.Err != nil {
		job.Summary.Failed += len(res.Retry)
		p.finishLocked(job, StateFailedFinal, res.Err)
		return
	}
	if len(res.Retry) == 0 {
		p.finishLocked(job, StateSucceeded, nil)
		return
	}

	var (
		delay  time.Duration
		reason string
	)
	if res.RateLimited {
		if job.RateLimitedRetries >= p.opts.RateLimitMaxRetries {
			job.Summary.Failed += len(res.Retry)
			p.finishLocked(job, StateFailedFinal, apperrors.NewRateLimitedError(
				fmt.Sprintf("%d items still rate limited after %d retries", len(res.Retry), job.RateLimitedRetries)))
			return
		}
		job.RateLimitedRetries++
		delay, reason = p.opts.RateLimitBackoff, "rate_limited"
	} else {
		if job.Retries >= p.opts.MaxRetries {
			job.Summary.Failed += len(res.Retry)
			p.finishLocked(job, StateFailedFinal, apperrors.NewTransientError("push",
				fmt.Errorf("%d items undelivered after %d retries", len(res.Retry), job.Retries)))
			return
		}
		job.Retries++
		delay, reason = Backoff(p.opts.BackoffBase, p.opts.BackoffCap, job.Retries-1), "transient"
	}

	if err := job.transition(StateRetrying, now); err != nil {
		p.logger.Error("cannot requeue job", map[string]interface{}{"jobId": job.ID, "error": err.Error()})
		return
	}
	job.Items = res.Retry
	job.ReadyAt = now.Add(delay)
	metrics.JobsRetried.WithLabelValues(job.Lane.String(), reason).Inc()

	if p.stopped {
		p.logger.Warn("abandoning job retry during shutdown", map[string]interface{}{
			"jobId": job.ID,
			"lane":  job.Lane.String(),
			"items": len(job.Items),
		})
		p.abandonLocked(job)
		return
	}

	p.seq++
	job.seq = p.seq
	heap.Push(&p.ready[job.Lane], job)
	metrics.JobsPending.WithLabelValues(job.Lane.String()).Set(float64(p.ready[job.Lane].Len()))
	p.signal()

	p.logger.Info("job requeued", map[string]interface{}{
		"jobId":  job.ID,
		"lane":   job.Lane.String(),
		"reason": reason,
		"items":  len(job.Items),
		"delay":  delay.String(),
	})
}

// abandonLocked ends a job that will never run again because the pool stopped.
func (p *Pool) abandonLocked(job *Job) {
	job.Summary.Failed += len(job.Items)
	stopped := apperrors.NewQueueStoppedError()
	stopped.Details = "abandoned at shutdown"
	p.finishLocked(job, StateFailedFinal, stopped)
}

func (p *Pool) finishLocked(job *Job, state State, cause error) {
	now := p.now()
	if err := job.transition(state, now); err != nil {
		p.logger.Error("cannot finish job", map[string]interface{}{"jobId": job.ID, "error": err.Error()})
		return
	}
	if cause != nil {
		std := p.errHandler.HandleJobFailure(job.ID, job.Lane.String(), job.Attempts, cause)
		job.LastError = std.Error()
		if std.Details != "" {
			job.LastError += " (" + std.Details + ")"
		}
	}
	job.Items = nil

	delete(p.active, job.ID)
	p.finished.SetDefault(job.ID, job.status())

	metrics.JobsCompleted.WithLabelValues(job.Lane.String(), string(state)).Inc()
	p.obs.RecordJobProcessed(context.Background(), job.Lane.String(), string(state))
}
