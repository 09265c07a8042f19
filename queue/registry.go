package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/josephsenior/Metasop-sub003/agent"
	"github.com/josephsenior/Metasop-sub003/orchestrator"
	"github.com/josephsenior/Metasop-sub003/store"
)

// Defaults for finished-job retention.
const (
	DefaultJobTTL        = 15 * time.Minute
	DefaultEvictInterval = time.Minute

	// pendingTTLFactor stretches the retention window for jobs that were
	// created but never reached a terminal status, and for stub mirrors of
	// jobs owned by a process that may have crashed. Without it those
	// entries would sit in the map forever.
	pendingTTLFactor = 4
)

// RunFunc executes one generation run for a job, reporting progress through
// onProgress. The registry supplies a context that outlives the originating
// HTTP request and is canceled by Cancel or Shutdown.
type RunFunc func(ctx context.Context, job Job, onProgress agent.ProgressFunc) (*orchestrator.Report, error)

// Monitor observes job and step lifecycle, for instrumentation. Methods
// must not call back into the Registry.
type Monitor interface {
	JobStarted(job Job)
	JobFinished(job Job, status JobStatus, duration time.Duration)
	Event(ev agent.Event)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// TTL is how long a finished job stays queryable. Zero uses the
	// default.
	TTL time.Duration

	// EvictInterval is how often expired jobs are collected. Zero uses
	// the default.
	EvictInterval time.Duration
}

// jobState is the registry's record of one job: the job itself, its ordered
// event buffer, and its live subscribers. Remote states mirror stubs owned
// by another process and carry no events.
//
// Job fields and expiry are guarded by the registry mutex. The event buffer
// and subscriber map carry their own lock so that delivery to a slow
// consumer stalls only this job's stream, never the registry.
type jobState struct {
	job       Job
	cancel    context.CancelFunc
	expiresAt time.Time
	remote    bool

	evMu        sync.Mutex
	events      []agent.Event
	subscribers map[int]agent.ProgressFunc
	nextSubID   int
}

// Registry owns the generation job lifecycle. It is an explicit service:
// construct one, Init it, and Shutdown it; there is no package-level state.
type Registry struct {
	cfg     RegistryConfig
	runner  RunFunc
	stubs   JobStubStore
	bps     store.BlueprintStore
	monitor Monitor
	logger  *slog.Logger

	mu   sync.Mutex
	jobs map[string]*jobState

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRunner sets the function that executes a job's generation run.
func WithRunner(runner RunFunc) RegistryOption {
	return func(r *Registry) {
		r.runner = runner
	}
}

// WithStubStore sets the job stub store. Nil disables stub persistence.
func WithStubStore(stubs JobStubStore) RegistryOption {
	return func(r *Registry) {
		r.stubs = stubs
	}
}

// WithBlueprintStore sets the store that receives finished blueprints.
func WithBlueprintStore(bps store.BlueprintStore) RegistryOption {
	return func(r *Registry) {
		r.bps = bps
	}
}

// WithMonitor sets the lifecycle observer, e.g. the metrics collectors.
func WithMonitor(monitor Monitor) RegistryOption {
	return func(r *Registry) {
		r.monitor = monitor
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a Registry. Call Init before use.
func NewRegistry(cfg RegistryConfig, opts ...RegistryOption) *Registry {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultJobTTL
	}
	if cfg.EvictInterval == 0 {
		cfg.EvictInterval = DefaultEvictInterval
	}

	r := &Registry{
		cfg:    cfg,
		logger: slog.Default(),
		jobs:   make(map[string]*jobState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init starts the eviction loop and, when the stub store supports it, the
// sibling-process stub watcher.
func (r *Registry) Init(ctx context.Context) error {
	r.baseCtx, r.stop = context.WithCancel(context.WithoutCancel(ctx))

	r.wg.Add(1)
	go r.evictLoop()

	if watchable, ok := r.stubs.(WatchableStubStore); ok {
		if err := watchable.Watch(r.baseCtx, r.adoptStub); err != nil {
			return fmt.Errorf("start stub watcher: %w", err)
		}
	}
	return nil
}

// Shutdown cancels every running job and stops background work. It waits
// for in-flight runs to wind down or for ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r.stop != nil {
		r.stop()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateJob registers a new pending job. An empty blueprintID gets a fresh
// one. The stub is persisted best effort.
func (r *Registry) CreateJob(ctx context.Context, userID, blueprintID, request string) (*Job, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if blueprintID == "" {
		blueprintID = uuid.New().String()
	}

	now := time.Now()
	job := Job{
		ID:          uuid.New().String(),
		UserID:      userID,
		BlueprintID: blueprintID,
		Request:     request,
		Status:      JobPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r.mu.Lock()
	r.jobs[job.ID] = &jobState{
		job:         job,
		subscribers: make(map[int]agent.ProgressFunc),
		// Collected even if Start is never called.
		expiresAt: r.pendingExpiry(now),
	}
	r.mu.Unlock()

	r.saveStub(ctx, job)
	return &job, nil
}

// pendingExpiry is the eviction deadline for a job that has not finished.
func (r *Registry) pendingExpiry(now time.Time) time.Time {
	return now.Add(r.cfg.TTL * pendingTTLFactor)
}

// GetJob returns a copy of the job.
func (r *Registry) GetJob(jobID string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.jobs[jobID]
	if !ok {
		return nil, false
	}
	job := state.job
	return &job, true
}

// ListJobs returns copies of the user's jobs.
func (r *Registry) ListJobs(userID string) []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Job
	for _, state := range r.jobs {
		if state.job.UserID == userID {
			job := state.job
			out = append(out, &job)
		}
	}
	return out
}

// Subscribe attaches fn to a job's event stream. Every buffered event is
// replayed synchronously in emission order before Subscribe returns, then
// live events follow; delivery to one subscriber never reorders or
// coalesces. The returned function detaches the subscriber. A subscriber
// returning an error is detached automatically.
//
// fn must not call back into the Registry.
func (r *Registry) Subscribe(jobID string, fn agent.ProgressFunc) (func(), error) {
	r.mu.Lock()
	state, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("unknown job %s", jobID)
	}
	if state.remote {
		r.mu.Unlock()
		return nil, fmt.Errorf("job %s is owned by another process", jobID)
	}
	r.mu.Unlock()

	// Replay and registration hold only this job's event lock, so a slow
	// replay cannot stall other jobs or registry lookups.
	state.evMu.Lock()
	defer state.evMu.Unlock()

	for _, ev := range state.events {
		if err := fn(ev); err != nil {
			return func() {}, nil
		}
	}

	id := state.nextSubID
	state.nextSubID++
	state.subscribers[id] = fn

	return func() {
		state.evMu.Lock()
		defer state.evMu.Unlock()
		delete(state.subscribers, id)
	}, nil
}

// Start moves a pending job to running and executes its generation run in a
// background goroutine. The run outlives the caller's request context.
func (r *Registry) Start(ctx context.Context, jobID string) error {
	if r.runner == nil {
		return fmt.Errorf("registry has no runner configured")
	}
	if r.baseCtx == nil {
		return fmt.Errorf("registry is not initialized")
	}

	r.mu.Lock()
	state, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown job %s", jobID)
	}
	if state.remote {
		r.mu.Unlock()
		return fmt.Errorf("job %s is owned by another process", jobID)
	}
	if state.job.Status != JobPending {
		r.mu.Unlock()
		return fmt.Errorf("job %s is %s, not pending", jobID, state.job.Status)
	}

	runCtx, cancel := context.WithCancel(r.baseCtx)
	state.cancel = cancel
	state.job.Status = JobRunning
	state.job.UpdatedAt = time.Now()
	// A running job is pinned until finalize stamps the terminal window.
	state.expiresAt = time.Time{}
	job := state.job
	r.mu.Unlock()

	r.saveStub(ctx, job)
	if r.monitor != nil {
		r.monitor.JobStarted(job)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.run(runCtx, job)
	}()
	return nil
}

// Cancel aborts a running job. Canceling a finished job is a no-op.
func (r *Registry) Cancel(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	if state.cancel != nil {
		state.cancel()
	}
	return nil
}

// run executes the job and finalizes it. Blueprint persistence failure is
// logged and never suppresses the terminal outcome.
func (r *Registry) run(ctx context.Context, job Job) {
	report, err := r.runner(ctx, job, func(ev agent.Event) error {
		r.publish(job.ID, ev)
		return nil
	})

	if err != nil {
		r.publish(job.ID, agent.NewEvent(agent.EventError, map[string]any{"error": err.Error()}))
		r.finalize(job, JobFailed, err.Error())
		return
	}

	if r.bps != nil && report != nil {
		bp := &store.Blueprint{
			ID:        job.BlueprintID,
			UserID:    job.UserID,
			Request:   job.Request,
			Success:   report.Success,
			Steps:     report.Steps,
			Artifacts: report.Artifacts,
		}
		if saveErr := r.bps.Save(ctx, bp); saveErr != nil {
			r.logger.Error("Failed to persist blueprint",
				"job_id", job.ID,
				"blueprint_id", job.BlueprintID,
				"error", saveErr)
		}
	}

	status := JobComplete
	errMsg := ""
	if report == nil || !report.Success {
		status = JobFailed
		if report != nil {
			errMsg = report.Error
		}
	}
	r.finalize(job, status, errMsg)
}

// finalize records the terminal status, schedules eviction, and removes the
// stub.
func (r *Registry) finalize(job Job, status JobStatus, errMsg string) {
	r.mu.Lock()
	if state, ok := r.jobs[job.ID]; ok {
		state.job.Status = status
		state.job.Error = errMsg
		state.job.UpdatedAt = time.Now()
		state.expiresAt = time.Now().Add(r.cfg.TTL)
	}
	r.mu.Unlock()

	if r.stubs != nil {
		if err := r.stubs.DeleteStub(context.Background(), job.ID); err != nil {
			r.logger.Warn("Failed to delete job stub", "job_id", job.ID, "error", err)
		}
	}
	if r.monitor != nil {
		// UpdatedAt was stamped when the job moved to running.
		r.monitor.JobFinished(job, status, time.Since(job.UpdatedAt))
	}

	r.logger.Info("Job finished", "job_id", job.ID, "status", status)
}

// publish appends an event to the job's buffer and fans it out to live
// subscribers under the job's own lock, preserving per-job order. Dead
// subscribers are detached. A slow subscriber blocks only this job's
// stream; the registry lock is never held during delivery.
func (r *Registry) publish(jobID string, ev agent.Event) {
	if r.monitor != nil {
		r.monitor.Event(ev)
	}

	r.mu.Lock()
	state, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return
	}

	state.evMu.Lock()
	defer state.evMu.Unlock()

	state.events = append(state.events, ev)
	for id, fn := range state.subscribers {
		if err := fn(ev); err != nil {
			delete(state.subscribers, id)
		}
	}
}

// saveStub persists the job stub best effort.
func (r *Registry) saveStub(ctx context.Context, job Job) {
	if r.stubs == nil {
		return
	}
	stub := &JobStub{
		JobID:       job.ID,
		UserID:      job.UserID,
		BlueprintID: job.BlueprintID,
		Status:      job.Status,
		Error:       job.Error,
	}
	if err := r.stubs.SaveStub(ctx, stub); err != nil {
		r.logger.Warn("Failed to persist job stub", "job_id", job.ID, "error", err)
	}
}

// adoptStub mirrors a stub written by another process so this process can
// answer status queries for it. Locally owned jobs are never overwritten.
func (r *Registry) adoptStub(stub *JobStub) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.jobs[stub.JobID]
	if ok && !state.remote {
		return
	}

	if !ok {
		state = &jobState{remote: true, subscribers: make(map[int]agent.ProgressFunc)}
		state.job = Job{
			ID:          stub.JobID,
			UserID:      stub.UserID,
			BlueprintID: stub.BlueprintID,
			CreatedAt:   stub.UpdatedAt,
		}
		r.jobs[stub.JobID] = state
	}

	state.job.Status = stub.Status
	state.job.Error = stub.Error
	state.job.UpdatedAt = stub.UpdatedAt
	if stub.Status.Terminal() {
		state.expiresAt = time.Now().Add(r.cfg.TTL)
	} else {
		// Mirrors of crashed siblings must not live forever; each stub
		// update pushes the deadline out again.
		state.expiresAt = r.pendingExpiry(time.Now())
	}
}

// evictLoop drops jobs whose retention window has passed.
func (r *Registry) evictLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.baseCtx.Done():
			return
		case <-ticker.C:
			r.evictExpired(time.Now())
		}
	}
}

// evictExpired removes jobs whose retention window has passed: finished
// jobs after the TTL, never-started jobs and stale remote mirrors after the
// longer pending window.
func (r *Registry) evictExpired(now time.Time) {
	r.mu.Lock()
	var expired []string
	for id, state := range r.jobs {
		if !state.expiresAt.IsZero() && now.After(state.expiresAt) {
			expired = append(expired, id)
			delete(r.jobs, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		if r.stubs != nil {
			_ = r.stubs.DeleteStub(context.Background(), id)
		}
		r.logger.Debug("Job evicted", "job_id", id)
	}
}
