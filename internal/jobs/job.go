package jobs

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"modelmgr/internal/errs"
	"modelmgr/pkg/types"
)

// Task performs the work of a job. It must call j.Checkpoint at safe points
// and finish through j.Commit so that catalog writes happen at most once and
// never after cancellation.
type Task func(ctx context.Context, j *Job) error

// Spec describes a job to submit.
type Spec struct {
	Kind      string
	Source    string
	Overrides map[string]any
	Variant   string
	// Priority defaults to types.DefaultJobPriority when nil. Lower runs
	// first; zero and negative values are valid.
	Priority *int
	Task     Task
}

// PriorityPtr returns a Spec.Priority value for p.
func PriorityPtr(p int) *int { return &p }

// Job is one tracked unit of background work. All fields are guarded by mu.
type Job struct {
	mu sync.Mutex

	id        string
	kind      string
	source    string
	overrides map[string]any
	variant   string
	priority  int
	seq       uint64
	// heap position, -1 when not queued
	index int

	status     types.JobStatus
	err        string
	resultKey  string
	bytesDone  int64
	bytesTotal int64
	enqueuedAt time.Time
	startedAt  time.Time
	finishedAt time.Time

	task   Task
	runCtx context.Context
	cancel context.CancelFunc
	// closed to wake a paused checkpoint
	resume chan struct{}
	// closed once the job is terminal and its task has returned
	done     chan struct{}
	doneOnce sync.Once

	progressLimit *rate.Limiter
	q             *Queue
}

func (j *Job) ID() string { return j.id }

// Source returns the install source the job was submitted with.
func (j *Job) Source() string { return j.source }

func (j *Job) Variant() string { return j.variant }

// Overrides returns a copy of the attribute overrides.
func (j *Job) Overrides() map[string]any {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.overrides == nil {
		return nil
	}
	out := make(map[string]any, len(j.overrides))
	for k, v := range j.overrides {
		out[k] = v
	}
	return out
}

// Snapshot returns a copy of the job's public state.
func (j *Job) Snapshot() types.Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() types.Job {
	var ov map[string]any
	if j.overrides != nil {
		ov = make(map[string]any, len(j.overrides))
		for k, v := range j.overrides {
			ov[k] = v
		}
	}
	return types.Job{
		ID:         j.id,
		Kind:       j.kind,
		Source:     j.source,
		Overrides:  ov,
		Variant:    j.variant,
		Priority:   j.priority,
		Status:     j.status,
		Error:      j.err,
		ResultKey:  j.resultKey,
		BytesDone:  j.bytesDone,
		BytesTotal: j.bytesTotal,
		EnqueuedAt: j.enqueuedAt,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}
}

// Done is closed once the job is terminal and its task has unwound.
func (j *Job) Done() <-chan struct{} { return j.done }

// Checkpoint returns nil when the task may continue. While the job is
// paused it blocks until resumed; once canceled it returns a Canceled error.
func (j *Job) Checkpoint(ctx context.Context) error {
	for {
		j.mu.Lock()
		if j.status == types.JobCanceled || ctx.Err() != nil {
			j.mu.Unlock()
			return errs.Canceled("job %s canceled", j.id)
		}
		if j.status != types.JobPaused {
			j.mu.Unlock()
			return nil
		}
		wake := j.resume
		j.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
		}
	}
}

// SetProgress records transfer progress and publishes a throttled
// install_progress event.
func (j *Job) SetProgress(done, total int64) {
	j.mu.Lock()
	j.bytesDone = done
	if total > 0 {
		j.bytesTotal = total
	}
	allow := j.progressLimit == nil || j.progressLimit.Allow()
	snap := j.snapshotLocked()
	j.mu.Unlock()
	if allow {
		j.q.publish(types.Event{
			Name:   types.EventInstallProgress,
			Target: snap.ID,
			Fields: map[string]any{"source": snap.Source, "bytes_done": snap.BytesDone, "bytes_total": snap.BytesTotal},
		})
	}
}

// Commit runs fn under the job lock unless the job was canceled, and marks
// the job completed with the key fn returns. A Cancel racing with Commit is
// either observed here or becomes a no-op on the completed job.
func (j *Job) Commit(fn func() (string, error)) error {
	j.mu.Lock()
	if j.status == types.JobCanceled {
		j.mu.Unlock()
		return errs.Canceled("job %s canceled", j.id)
	}
	key, err := fn()
	if err != nil {
		j.mu.Unlock()
		return err
	}
	j.resultKey = key
	j.status = types.JobCompleted
	j.finishedAt = time.Now().UTC()
	snap := j.snapshotLocked()
	j.mu.Unlock()
	j.q.statusChanged(snap)
	return nil
}

func (j *Job) closeDone() {
	j.doneOnce.Do(func() { close(j.done) })
}
