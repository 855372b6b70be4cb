package types

import "time"

// JobStatus is the lifecycle state of an install job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobError     JobStatus = "error"
	JobCanceled  JobStatus = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobError || s == JobCanceled
}

// DefaultJobPriority is the starting priority of every job. Lower runs first.
const DefaultJobPriority = 10

// Job is a read-only snapshot of an install job.
type Job struct {
	// Unique job identifier.
	// example: 0b7d2f7e-2f0e-4a44-8d4b-5a2b8b1a9c33
	ID string `json:"id"`
	// Operation kind.
	// example: install
	Kind string `json:"kind"`
	// Install source: local path, URL or repo id.
	// example: stabilityai/sdxl-turbo
	Source    string         `json:"source"`
	Overrides map[string]any `json:"overrides,omitempty"`
	// Variant hint passed to remote repo resolution.
	// example: fp16
	Variant  string    `json:"variant,omitempty"`
	Priority int       `json:"priority"`
	Status   JobStatus `json:"status"`
	// Failure detail; set only in the error state.
	Error string `json:"error,omitempty"`
	// Catalog key of the installed model; set only once completed.
	ResultKey  string    `json:"result_key,omitempty"`
	BytesDone  int64     `json:"bytes_done"`
	BytesTotal int64     `json:"bytes_total"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// CacheStats accumulates model cache counters. The zero value is the reset state.
type CacheStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	// Bytes currently resident in the cache.
	ResidentBytes int64 `json:"resident_bytes"`
	ResidentCount int   `json:"resident_count"`
	// Highest resident size observed.
	HighWaterBytes int64 `json:"high_water_bytes"`
	// Resident size per loaded entry, keyed by "<key>" or "<key>:<submodel>".
	Loaded map[string]int64 `json:"loaded,omitempty"`
}

// Reset returns s to the zero state.
func (s *CacheStats) Reset() {
	*s = CacheStats{}
}

// Merge folds o into s: counters add, gauges take o's values and the high
// water mark keeps the maximum.
func (s *CacheStats) Merge(o CacheStats) {
	s.Hits += o.Hits
	s.Misses += o.Misses
	s.Evictions += o.Evictions
	s.ResidentBytes = o.ResidentBytes
	s.ResidentCount = o.ResidentCount
	if o.HighWaterBytes > s.HighWaterBytes {
		s.HighWaterBytes = o.HighWaterBytes
	}
	if len(o.Loaded) > 0 && s.Loaded == nil {
		s.Loaded = make(map[string]int64, len(o.Loaded))
	}
	for k, v := range o.Loaded {
		s.Loaded[k] = v
	}
}

// StatusResponse is the ops snapshot returned by GET /status.
type StatusResponse struct {
	// example: true
	Ready  bool       `json:"ready"`
	Models int        `json:"models"`
	Cache  CacheStats `json:"cache"`
	// Job counts keyed by status.
	Jobs map[JobStatus]int `json:"jobs"`
	// Budget of the model cache in MB (0 = unlimited).
	// example: 8192
	CacheBudgetMB int `json:"cache_budget_mb"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds"`
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix"`
	// Last sync error observed by the manager (if any).
	LastError string `json:"last_error,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// example: not found
	Error string `json:"error" example:"not found"`
	// example: 404
	Code int `json:"code" example:"404"`
	// Optional structured context, e.g. the failing sanity checks.
	Details any `json:"details,omitempty" swaggertype:"object"`
}
