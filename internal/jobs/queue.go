// Package jobs is a priority job queue with a fixed worker pool and
// cooperative pause, cancel and reprioritization.
package jobs

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"modelmgr/internal/errs"
	"modelmgr/pkg/types"
)

const (
	defaultWorkers          = 1
	defaultProgressInterval = 250 * time.Millisecond
)

var jobTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "modelmgr",
		Subsystem: "jobs",
		Name:      "transitions_total",
		Help:      "Job state transitions by resulting status",
	},
	[]string{"status"},
)

func init() {
	prometheus.MustRegister(jobTransitionsTotal)
}

// Config configures a Queue.
type Config struct {
	Workers   int
	Publisher types.EventPublisher
	Logger    zerolog.Logger
	// ProgressInterval is the minimum gap between progress events per job.
	ProgressInterval time.Duration
}

// Queue is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	wake    *sync.Cond
	pending jobHeap
	jobs    map[string]*Job
	seq     uint64
	stopped bool

	pub      types.EventPublisher
	logger   zerolog.Logger
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a queue with cfg.Workers workers.
func New(cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Publisher == nil {
		cfg.Publisher = types.NopPublisher{}
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		jobs:     make(map[string]*Job),
		pub:      cfg.Publisher,
		logger:   cfg.Logger.With().Str("component", "jobs").Logger(),
		interval: cfg.ProgressInterval,
		ctx:      ctx,
		cancel:   cancel,
	}
	q.wake = sync.NewCond(&q.mu)
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit enqueues a job and returns its snapshot without waiting.
func (q *Queue) Submit(spec Spec) (types.Job, error) {
	if spec.Task == nil {
		return types.Job{}, errs.Validation("job has no task")
	}
	prio := types.DefaultJobPriority
	if spec.Priority != nil {
		prio = *spec.Priority
	}
	kind := spec.Kind
	if kind == "" {
		kind = "install"
	}
	j := &Job{
		id:            uuid.NewString(),
		kind:          kind,
		source:        spec.Source,
		overrides:     spec.Overrides,
		variant:       spec.Variant,
		priority:      prio,
		index:         -1,
		status:        types.JobQueued,
		enqueuedAt:    time.Now().UTC(),
		task:          spec.Task,
		done:          make(chan struct{}),
		progressLimit: rate.NewLimiter(rate.Every(q.interval), 1),
		q:             q,
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return types.Job{}, errs.Validation("job queue is stopped")
	}
	q.seq++
	j.seq = q.seq
	q.jobs[j.id] = j
	heap.Push(&q.pending, j)
	snap := j.Snapshot()
	q.wake.Signal()
	q.mu.Unlock()

	q.logger.Info().Str("event", "job_enqueued").Str("job", j.id).Str("source", j.source).Int("priority", prio).Msg("job queued")
	q.statusChanged(snap)
	return snap, nil
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.stopped {
			q.wake.Wait()
		}
		if q.stopped {
			q.mu.Unlock()
			return
		}
		j := heap.Pop(&q.pending).(*Job)
		ok := q.markRunningLocked(j)
		q.mu.Unlock()
		if ok {
			q.run(j)
		}
	}
}

// markRunningLocked moves j from queued to running. q.mu must be held.
func (q *Queue) markRunningLocked(j *Job) bool {
	j.mu.Lock()
	if j.status != types.JobQueued {
		j.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(q.ctx)
	j.runCtx, j.cancel = ctx, cancel
	j.status = types.JobRunning
	j.startedAt = time.Now().UTC()
	j.mu.Unlock()
	return true
}

func (q *Queue) run(j *Job) {
	q.statusChanged(j.Snapshot())
	q.logger.Info().Str("event", "job_start").Str("job", j.id).Msg("job running")

	err := q.safeRun(j)

	j.mu.Lock()
	j.cancel()
	switch {
	case j.status.Terminal():
		// completed through Commit, or canceled
	case err != nil && (errs.IsCanceled(err) || j.runCtx.Err() != nil):
		j.status = types.JobCanceled
	case err != nil:
		j.status = types.JobError
		j.err = err.Error()
	default:
		j.status = types.JobError
		j.err = "task returned without committing a result"
	}
	if j.finishedAt.IsZero() || j.status != types.JobCompleted {
		j.finishedAt = time.Now().UTC()
	}
	snap := j.snapshotLocked()
	j.mu.Unlock()

	switch snap.Status {
	case types.JobError:
		q.logger.Error().Str("event", "job_error").Str("job", snap.ID).Str("error", snap.Error).Msg("job failed")
		q.statusChanged(snap)
	case types.JobCanceled:
		q.logger.Info().Str("event", "job_canceled").Str("job", snap.ID).Msg("job canceled")
		q.statusChanged(snap)
	default:
		q.logger.Info().Str("event", "job_done").Str("job", snap.ID).Str("key", snap.ResultKey).Msg("job completed")
	}
	j.closeDone()
}

// safeRun keeps a panicking task from taking down the worker.
func (q *Queue) safeRun(j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return j.task(j.runCtx, j)
}

func (q *Queue) lookup(id string) (*Job, error) {
	j, ok := q.jobs[id]
	if !ok {
		return nil, errs.NotFound("unknown job id %s", id)
	}
	return j, nil
}

// Get returns a snapshot of job id.
func (q *Queue) Get(id string) (types.Job, error) {
	q.mu.Lock()
	j, err := q.lookup(id)
	q.mu.Unlock()
	if err != nil {
		return types.Job{}, err
	}
	return j.Snapshot(), nil
}

// List returns every retained job in submission order.
func (q *Queue) List() []types.Job {
	q.mu.Lock()
	all := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		all = append(all, j)
	}
	q.mu.Unlock()
	sort.Slice(all, func(a, b int) bool { return all[a].seq < all[b].seq })
	out := make([]types.Job, len(all))
	for i, j := range all {
		out[i] = j.Snapshot()
	}
	return out
}

// Cancel moves a non-terminal job to canceled. A running task observes the
// cancellation at its next checkpoint and discards partial work.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	j, err := q.lookup(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	j.mu.Lock()
	prev := j.status
	if prev.Terminal() {
		j.mu.Unlock()
		q.mu.Unlock()
		return nil
	}
	j.status = types.JobCanceled
	if prev == types.JobQueued {
		if j.index >= 0 {
			heap.Remove(&q.pending, j.index)
		}
		j.finishedAt = time.Now().UTC()
	} else {
		j.cancel()
		if prev == types.JobPaused {
			close(j.resume)
		}
	}
	snap := j.snapshotLocked()
	j.mu.Unlock()
	q.mu.Unlock()

	if prev == types.JobQueued {
		q.statusChanged(snap)
		j.closeDone()
	}
	q.logger.Info().Str("event", "job_cancel").Str("job", id).Str("from", string(prev)).Msg("cancel requested")
	return nil
}

// Pause moves a running job to paused. The task blocks at its next checkpoint.
func (q *Queue) Pause(id string) error {
	q.mu.Lock()
	j, err := q.lookup(id)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	j.mu.Lock()
	if j.status != types.JobRunning {
		j.mu.Unlock()
		return nil
	}
	j.status = types.JobPaused
	j.resume = make(chan struct{})
	snap := j.snapshotLocked()
	j.mu.Unlock()
	q.statusChanged(snap)
	return nil
}

// Start resumes a paused job, or takes a queued job out of the heap and runs
// it immediately on its own goroutine. Running and terminal jobs are left alone.
func (q *Queue) Start(id string) error {
	q.mu.Lock()
	j, err := q.lookup(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	j.mu.Lock()
	switch j.status {
	case types.JobPaused:
		j.status = types.JobRunning
		close(j.resume)
		snap := j.snapshotLocked()
		j.mu.Unlock()
		q.mu.Unlock()
		q.statusChanged(snap)
		return nil
	case types.JobQueued:
		if q.stopped {
			j.mu.Unlock()
			q.mu.Unlock()
			return errs.Validation("job queue is stopped")
		}
		if j.index >= 0 {
			heap.Remove(&q.pending, j.index)
		}
		j.mu.Unlock()
		ok := q.markRunningLocked(j)
		q.wg.Add(1)
		q.mu.Unlock()
		go func() {
			defer q.wg.Done()
			if ok {
				q.run(j)
			}
		}()
		return nil
	}
	j.mu.Unlock()
	q.mu.Unlock()
	return nil
}

// ChangePriority adds delta to a queued job's priority. It has no effect
// once the job left the queue.
func (q *Queue) ChangePriority(id string, delta int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, err := q.lookup(id)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != types.JobQueued {
		return nil
	}
	j.priority += delta
	if j.index >= 0 {
		heap.Fix(&q.pending, j.index)
	}
	return nil
}

// Wait blocks until job id is terminal or ctx is done.
func (q *Queue) Wait(ctx context.Context, id string) (types.Job, error) {
	q.mu.Lock()
	j, err := q.lookup(id)
	q.mu.Unlock()
	if err != nil {
		return types.Job{}, err
	}
	select {
	case <-j.Done():
		return j.Snapshot(), nil
	case <-ctx.Done():
		return j.Snapshot(), errs.Canceled("wait for job %s: %v", id, ctx.Err())
	}
}

// Prune forgets terminal jobs and returns how many were removed.
func (q *Queue) Prune() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, j := range q.jobs {
		select {
		case <-j.done:
			delete(q.jobs, id)
			n++
		default:
		}
	}
	return n
}

// Counts returns the number of retained jobs per status.
func (q *Queue) Counts() map[types.JobStatus]int {
	out := map[types.JobStatus]int{}
	for _, j := range q.List() {
		out[j.Status]++
	}
	return out
}

// Stop cancels every non-terminal job, stops the workers and waits for all
// running tasks to unwind. Queued jobs end canceled.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	ids := make([]string, 0, len(q.jobs))
	for id := range q.jobs {
		ids = append(ids, id)
	}
	q.wake.Broadcast()
	q.mu.Unlock()

	for _, id := range ids {
		_ = q.Cancel(id)
	}
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) publish(e types.Event) {
	q.pub.Publish(e)
}

func (q *Queue) statusChanged(snap types.Job) {
	jobTransitionsTotal.WithLabelValues(string(snap.Status)).Inc()
	fields := map[string]any{"status": string(snap.Status), "source": snap.Source, "priority": snap.Priority}
	if snap.Error != "" {
		fields["error"] = snap.Error
	}
	if snap.ResultKey != "" {
		fields["key"] = snap.ResultKey
	}
	q.publish(types.Event{Name: types.EventInstallStatus, Target: snap.ID, Fields: fields})
}
