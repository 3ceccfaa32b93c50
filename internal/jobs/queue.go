package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"nestbox/internal/logging"
	"nestbox/internal/metrics"
)

// State is the lifecycle position of a job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateRetryWait State = "retry_wait"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateAbandoned State = "abandoned"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateAbandoned
}

// Job is what a handler receives.
type Job struct {
	ID          string
	Name        string
	Key         string
	Payload     any
	Attempt     int
	MaxAttempts int
}

// LastAttempt reports whether a failure of this attempt is final.
func (j *Job) LastAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// Handler executes one attempt of a job. The result is stored in the job's
// status on success.
type Handler func(ctx context.Context, job *Job) (any, error)

// RetryPolicy controls re-attempts after a Retryable error.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// Status is a snapshot of a job for callers polling its progress.
type Status struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Key           string     `json:"key,omitempty"`
	State         State      `json:"state"`
	Attempt       int        `json:"attempt"`
	MaxAttempts   int        `json:"max_attempts"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	Error         string     `json:"error,omitempty"`
	Result        any        `json:"result,omitempty"`
}

// Config sizes the queue.
type Config struct {
	Workers   int
	QueueSize int
	// Retention is how long finished jobs stay queryable.
	Retention time.Duration
}

type registration struct {
	handler Handler
	policy  RetryPolicy
}

type record struct {
	job    Job
	reg    registration
	status Status
	timer  *time.Timer
	done   chan struct{}
}

// Queue is an in-process job queue.
type Queue struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	handlers map[string]registration
	abandon  map[string]func(Job)
	records  map[string]*record
	closed   bool

	ready     chan *record
	quit      chan struct{}
	runCtx    context.Context
	cancelRun context.CancelFunc
	group     *errgroup.Group
}

// NewQueue creates a queue. Call Start to begin processing.
func NewQueue(cfg Config) *Queue {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:       cfg,
		now:       time.Now,
		handlers:  make(map[string]registration),
		abandon:   make(map[string]func(Job)),
		records:   make(map[string]*record),
		ready:     make(chan *record, cfg.QueueSize),
		quit:      make(chan struct{}),
		runCtx:    ctx,
		cancelRun: cancel,
	}
}

// Register installs the handler for name. Registering a name twice
// replaces the earlier handler.
func (q *Queue) Register(name string, h Handler, policy RetryPolicy) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = registration{handler: h, policy: policy}
}

// OnAbandon installs fn to be called, after Shutdown has settled, for every
// job named name that never got to finish. Handlers that hold resources
// outside the queue use it to let them go.
func (q *Queue) OnAbandon(name string, fn func(Job)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.abandon[name] = fn
}

// Names returns the registered job names, sorted.
func (q *Queue) Names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, 0, len(q.handlers))
	for n := range q.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Start launches the workers.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.group != nil {
		return
	}
	q.group = &errgroup.Group{}
	for i := 0; i < q.cfg.Workers; i++ {
		q.group.Go(q.worker)
	}
	logging.Info("Job queue started with %d workers (queue size %d)", q.cfg.Workers, q.cfg.QueueSize)
}

// EnqueueOption adjusts a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	delay  time.Duration
	key    string
	unique bool
}

// WithDelay holds the first attempt back for d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithKey tags the job with a caller-defined key, such as an upload
// session id, that ActiveKey can look up.
func WithKey(key string) EnqueueOption {
	return func(o *enqueueOptions) { o.key = key }
}

// Unique refuses the job if another non-terminal job carries the same key.
// Enqueue then returns the existing job's id with ErrDuplicateKey.
func Unique() EnqueueOption {
	return func(o *enqueueOptions) { o.unique = true }
}

// Enqueue schedules a job and returns its id.
func (q *Queue) Enqueue(name string, payload any, opts ...EnqueueOption) (string, error) {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}
	reg, ok := q.handlers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	if o.unique && o.key != "" {
		if existing, ok := q.activeKeyLocked(o.key); ok {
			return existing, ErrDuplicateKey
		}
	}

	id := uuid.NewString()
	maxAttempts := reg.policy.MaxRetries + 1
	rec := &record{
		job: Job{ID: id, Name: name, Key: o.key, Payload: payload, MaxAttempts: maxAttempts},
		reg: reg,
		status: Status{
			ID:          id,
			Name:        name,
			Key:         o.key,
			State:       StateQueued,
			MaxAttempts: maxAttempts,
			EnqueuedAt:  q.now(),
		},
		done: make(chan struct{}),
	}

	if o.delay > 0 {
		next := q.now().Add(o.delay)
		rec.status.NextAttemptAt = &next
		rec.timer = time.AfterFunc(o.delay, func() { q.release(rec) })
	} else {
		select {
		case q.ready <- rec:
		default:
			return "", ErrQueueFull
		}
	}

	q.records[id] = rec
	metrics.JobsEnqueuedTotal.WithLabelValues(name).Inc()
	metrics.JobsInFlight.WithLabelValues(name).Inc()
	logging.Debug("Enqueued %s job %s (delay %v)", name, id, o.delay)
	return id, nil
}

// release moves a delayed or retrying job onto the ready queue.
func (q *Queue) release(rec *record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || rec.status.State.Terminal() {
		return
	}
	rec.timer = nil
	rec.status.NextAttemptAt = nil
	select {
	case q.ready <- rec:
		rec.status.State = StateQueued
	default:
		logging.Error("%s job %s dropped: %v", rec.job.Name, rec.job.ID, ErrQueueFull)
		q.finishLocked(rec, StateFailed, nil, ErrQueueFull)
	}
}

func (q *Queue) worker() error {
	for {
		// quit wins over a ready record once both are available
		select {
		case <-q.quit:
			return nil
		default:
		}
		select {
		case <-q.quit:
			return nil
		case rec := <-q.ready:
			q.run(rec)
		}
	}
}

func (q *Queue) run(rec *record) {
	q.mu.Lock()
	if rec.status.State.Terminal() {
		q.mu.Unlock()
		return
	}
	now := q.now()
	rec.status.State = StateRunning
	rec.status.Attempt++
	rec.status.StartedAt = &now
	rec.job.Attempt = rec.status.Attempt
	job := rec.job
	q.mu.Unlock()

	start := time.Now()
	result, err := invoke(q.runCtx, rec.reg.handler, &job)
	metrics.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())

	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case err == nil:
		q.finishLocked(rec, StateSucceeded, result, nil)
	case IsRetryable(err) && !job.LastAttempt() && !q.closed:
		delay := rec.reg.policy.Delay
		next := q.now().Add(delay)
		rec.status.State = StateRetryWait
		rec.status.Error = err.Error()
		rec.status.NextAttemptAt = &next
		rec.timer = time.AfterFunc(delay, func() { q.release(rec) })
		metrics.JobRetriesTotal.WithLabelValues(job.Name).Inc()
		logging.Warn("%s job %s attempt %d/%d failed, retrying in %v: %v",
			job.Name, job.ID, job.Attempt, job.MaxAttempts, delay, err)
	default:
		logging.Error("%s job %s failed after %d attempt(s): %v", job.Name, job.ID, job.Attempt, err)
		q.finishLocked(rec, StateFailed, result, err)
	}
}

func invoke(ctx context.Context, h Handler, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s job: %v", job.Name, r)
		}
	}()
	return h(ctx, job)
}

func (q *Queue) finishLocked(rec *record, state State, result any, err error) {
	now := q.now()
	rec.status.State = state
	rec.status.FinishedAt = &now
	rec.status.NextAttemptAt = nil
	rec.status.Result = result
	if err != nil {
		rec.status.Error = err.Error()
	} else {
		rec.status.Error = ""
	}
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	close(rec.done)

	metrics.JobsFinishedTotal.WithLabelValues(rec.job.Name, string(state)).Inc()
	metrics.JobsInFlight.WithLabelValues(rec.job.Name).Dec()

	q.pruneLocked(now)
}

func (q *Queue) pruneLocked(now time.Time) {
	cutoff := now.Add(-q.cfg.Retention)
	for id, r := range q.records {
		if r.status.FinishedAt != nil && r.status.FinishedAt.Before(cutoff) {
			delete(q.records, id)
		}
	}
}

// Get returns the status of a job.
func (q *Queue) Get(id string) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok {
		return Status{}, ErrJobNotFound
	}
	return rec.status, nil
}

// Wait blocks until the job reaches a terminal state or ctx ends.
func (q *Queue) Wait(ctx context.Context, id string) (Status, error) {
	q.mu.Lock()
	rec, ok := q.records[id]
	q.mu.Unlock()
	if !ok {
		return Status{}, ErrJobNotFound
	}

	select {
	case <-rec.done:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	return q.Get(id)
}

// Active lists the non-terminal jobs with any of the given names, or all
// non-terminal jobs when no name is given.
func (q *Queue) Active(names ...string) []Status {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Status
	for _, r := range q.records {
		if r.status.State.Terminal() {
			continue
		}
		if len(want) > 0 && !want[r.job.Name] {
			continue
		}
		out = append(out, r.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// ActiveKey reports whether a non-terminal job carries key.
func (q *Queue) ActiveKey(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.activeKeyLocked(key)
	return ok
}

func (q *Queue) activeKeyLocked(key string) (string, bool) {
	for id, r := range q.records {
		if r.job.Key == key && !r.status.State.Terminal() {
			return id, true
		}
	}
	return "", false
}

// Shutdown stops accepting jobs, lets running jobs finish and abandons
// everything still queued or waiting. If ctx ends first, running jobs see
// their context canceled.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.quit)
	group := q.group
	q.mu.Unlock()

	var err error
	if group != nil {
		done := make(chan error, 1)
		go func() { done <- group.Wait() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			logging.Warn("Job queue shutdown timed out, canceling running jobs")
			q.cancelRun()
			err = <-done
			if err == nil {
				err = ctx.Err()
			}
		}
	}
	q.cancelRun()

	q.mu.Lock()
	var abandoned []Job
	for _, r := range q.records {
		if !r.status.State.Terminal() {
			q.finishLocked(r, StateAbandoned, nil, ErrClosed)
			abandoned = append(abandoned, r.job)
		}
	}
	for len(q.ready) > 0 {
		<-q.ready
	}
	hooks := make(map[string]func(Job), len(q.abandon))
	for name, fn := range q.abandon {
		hooks[name] = fn
	}
	q.mu.Unlock()

	if len(abandoned) > 0 {
		logging.Warn("Job queue shut down with %d unfinished job(s) abandoned", len(abandoned))
	}
	for _, job := range abandoned {
		if fn := hooks[job.Name]; fn != nil {
			runAbandonHook(fn, job)
		}
	}
	return err
}

func runAbandonHook(fn func(Job), job Job) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Abandon hook for %s job %s panicked: %v", job.Name, job.ID, r)
		}
	}()
	fn(job)
}
