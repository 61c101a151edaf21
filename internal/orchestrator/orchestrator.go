// Package orchestrator admits strategy jobs across users: a FIFO queue feeds
// a dispatcher, entitlement tiers cap concurrent runners per user, and a
// periodic sweep downgrades expired grants.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantbench/derivd/internal/brokererr"
	"github.com/quantbench/derivd/internal/config"
	"github.com/quantbench/derivd/internal/events"
	"github.com/quantbench/derivd/internal/kv"
	"github.com/quantbench/derivd/internal/metrics"
	"github.com/quantbench/derivd/internal/runner"
	"github.com/quantbench/derivd/internal/strategy"
)

const (
	defaultPollInterval      = 500 * time.Millisecond
	defaultDowngradeInterval = time.Minute
	defaultStopTimeout       = 10 * time.Second
)

// RunnerHandle is the orchestrator's view of a live runner. *runner.Runner
// satisfies it.
type RunnerHandle interface {
	Run(ctx context.Context) error
	Stop(flatten bool)
	Done() <-chan struct{}
}

// RunnerFactory builds the runner for an admitted job. It binds the user's
// broker adapter, lifecycle and journal.
type RunnerFactory func(cfg runner.Config) (RunnerHandle, error)

// StartRequest asks for a new strategy job.
type StartRequest struct {
	UserID       string             `json:"userId"`
	StrategyName string             `json:"strategyName"`
	Instrument   string             `json:"instrument"`
	Params       map[string]float64 `json:"params,omitempty"`
}

// StopRequest ends a job. FlattenPositions also market-closes anything the
// runner holds.
type StopRequest struct {
	UserID           string `json:"userId"`
	WorkerID         string `json:"workerId"`
	FlattenPositions bool   `json:"flattenPositions"`
}

// Status is the answer to a status query.
type Status struct {
	Workers    []Job      `json:"workers"`
	QueueStats QueueStats `json:"queueStats"`
}

type runningJob struct {
	job    Job
	handle RunnerHandle
	cancel context.CancelFunc
}

// Orchestrator owns the queue, the entitlement table and the live runner
// registry.
type Orchestrator struct {
	cfg     config.OrchestratorConfig
	queue   Queue
	ents    *Entitlements
	factory RunnerFactory
	events  events.Publisher
	log     zerolog.Logger

	mu      sync.Mutex
	running map[string]*runningJob
}

// New builds an orchestrator. events may be nil.
func New(cfg config.OrchestratorConfig, queue Queue, ents *Entitlements, factory RunnerFactory, pub events.Publisher) *Orchestrator {
	if cfg.QueuePollInterval <= 0 {
		cfg.QueuePollInterval = defaultPollInterval
	}
	if cfg.DowngradeInterval <= 0 {
		cfg.DowngradeInterval = defaultDowngradeInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &Orchestrator{
		cfg:     cfg,
		queue:   queue,
		ents:    ents,
		factory: factory,
		events:  pub,
		log:     config.NewLogger("orchestrator"),
		running: make(map[string]*runningJob),
	}
}

// Run drives admission and the downgrade sweep until ctx ends, then stops
// every live runner.
func (o *Orchestrator) Run(ctx context.Context) error {
	dispatch := time.NewTicker(o.cfg.QueuePollInterval)
	defer dispatch.Stop()
	downgrade := time.NewTicker(o.cfg.DowngradeInterval)
	defer downgrade.Stop()

	for {
		select {
		case <-ctx.Done():
			o.StopAll()
			return ctx.Err()
		case <-dispatch.C:
			o.dispatch(ctx)
		case <-downgrade.C:
			o.sweepDowngrades(ctx)
		}
	}
}

// StartRunner checks the user's entitlement and enqueues the job. The
// dispatcher admits it in FIFO order.
func (o *Orchestrator) StartRunner(ctx context.Context, req StartRequest) (string, error) {
	if req.UserID == "" || req.StrategyName == "" || req.Instrument == "" {
		return "", brokererr.New(brokererr.KindInvalidParams, "userId, strategyName and instrument are required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	grant := o.ents.Resolve(ctx, req.UserID)
	if !grant.IsActive {
		return "", brokererr.Newf(brokererr.KindAuthentication, "entitlement for user %s is inactive", req.UserID)
	}
	if grant.Expired(time.Now()) {
		return "", brokererr.Newf(brokererr.KindAuthentication, "entitlement for user %s has expired", req.UserID)
	}
	if o.userWorkersLocked(req.UserID) >= grant.MaxWorkers {
		return "", brokererr.Newf(brokererr.KindRateLimit,
			"user %s already runs %d worker(s), tier %s allows %d",
			req.UserID, o.userWorkersLocked(req.UserID), grant.Tier, grant.MaxWorkers)
	}

	job := &Job{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		StrategyName: req.StrategyName,
		Instrument:   req.Instrument,
		Params:       req.Params,
	}
	if err := o.queue.Enqueue(job); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	metrics.QueuedJobs.Inc()

	o.log.Info().
		Str("job_id", job.ID).
		Str("user_id", req.UserID).
		Str("strategy", req.StrategyName).
		Str("instrument", req.Instrument).
		Msg("Job enqueued")
	return job.ID, nil
}

// StopRunner ends one job after an ownership check.
func (o *Orchestrator) StopRunner(ctx context.Context, req StopRequest) error {
	job := o.queue.GetJob(req.WorkerID)
	if job == nil {
		return brokererr.Newf(brokererr.KindInvalidParams, "unknown job %s", req.WorkerID)
	}
	if job.UserID != req.UserID {
		return brokererr.Newf(brokererr.KindAuthentication, "job %s does not belong to user %s", req.WorkerID, req.UserID)
	}

	o.mu.Lock()
	live, isRunning := o.running[req.WorkerID]
	o.mu.Unlock()

	if !isRunning {
		if job.Status == JobQueued {
			o.queue.Remove(req.WorkerID)
			metrics.QueuedJobs.Dec()
			o.log.Info().Str("job_id", req.WorkerID).Msg("Queued job removed")
			return nil
		}
		return brokererr.Newf(brokererr.KindInvalidParams, "job %s is not running", req.WorkerID)
	}

	o.queue.UpdateStatus(req.WorkerID, JobStopping)
	live.handle.Stop(req.FlattenPositions)

	select {
	case <-live.handle.Done():
	case <-time.After(o.cfg.StopTimeout):
		o.log.Warn().Str("job_id", req.WorkerID).Msg("Runner did not stop in time, cancelling")
		live.cancel()
		select {
		case <-live.handle.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	o.mu.Lock()
	delete(o.running, req.WorkerID)
	o.mu.Unlock()
	o.queue.UpdateStatus(req.WorkerID, JobStopped)

	o.log.Info().Str("job_id", req.WorkerID).Bool("flatten", req.FlattenPositions).Msg("Job stopped")
	return nil
}

// GetStatus reports workers and queue stats, for one user or globally.
func (o *Orchestrator) GetStatus(userID string) Status {
	var workers []Job
	if userID != "" {
		workers = o.queue.GetUserJobs(userID)
	} else {
		workers = o.queue.GetAllJobs()
	}
	return Status{Workers: workers, QueueStats: o.queue.GetStats()}
}

// Analysis returns the latest signal evaluation of a running job, when the
// runner exposes one.
func (o *Orchestrator) Analysis(jobID string) (strategy.Signal, bool) {
	o.mu.Lock()
	live, ok := o.running[jobID]
	o.mu.Unlock()
	if !ok {
		return strategy.Signal{}, false
	}
	source, ok := live.handle.(interface {
		LastSignal() (strategy.Signal, bool)
	})
	if !ok {
		return strategy.Signal{}, false
	}
	return source.LastSignal()
}

// GrantEntitlement installs a tier for a user, serialized with admission.
func (o *Orchestrator) GrantEntitlement(ctx context.Context, userID, tier string, expiresAt *time.Time, lifetime bool) *Entitlement {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ents.Grant(ctx, userID, tier, expiresAt, lifetime)
}

// StopAll stops every live runner without flattening, bounded per runner by
// the stop timeout, and retires jobs still waiting in the queue. Used at
// shutdown.
func (o *Orchestrator) StopAll() {
	for {
		job := o.queue.Dequeue()
		if job == nil {
			break
		}
		metrics.QueuedJobs.Dec()
		o.queue.UpdateStatus(job.ID, JobStopped)
	}

	o.mu.Lock()
	jobs := make([]*runningJob, 0, len(o.running))
	for _, live := range o.running {
		jobs = append(jobs, live)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, live := range jobs {
		wg.Add(1)
		go func(live *runningJob) {
			defer wg.Done()
			live.handle.Stop(false)
			select {
			case <-live.handle.Done():
			case <-time.After(o.cfg.StopTimeout):
				live.cancel()
				<-live.handle.Done()
			}
			o.mu.Lock()
			delete(o.running, live.job.ID)
			o.mu.Unlock()
			o.queue.UpdateStatus(live.job.ID, JobStopped)
		}(live)
	}
	wg.Wait()
}

// dispatch admits queued jobs in FIFO order.
func (o *Orchestrator) dispatch(ctx context.Context) {
	for {
		job := o.queue.Dequeue()
		if job == nil {
			return
		}
		metrics.QueuedJobs.Dec()
		o.launch(ctx, job)
	}
}

func (o *Orchestrator) launch(ctx context.Context, job *Job) {
	handle, err := o.factory(runner.Config{
		UserID:       job.UserID,
		JobID:        job.ID,
		StrategyName: job.StrategyName,
		Instrument:   job.Instrument,
		Params:       job.Params,
	})
	if err != nil {
		o.failJob(job.ID, err)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	live := &runningJob{job: *job, handle: handle, cancel: cancel}

	o.mu.Lock()
	o.running[job.ID] = live
	o.mu.Unlock()
	o.queue.UpdateStatus(job.ID, JobRunning)

	o.log.Info().Str("job_id", job.ID).Str("user_id", job.UserID).Msg("Job admitted")

	go func() {
		err := handle.Run(runCtx)
		cancel()

		o.mu.Lock()
		_, stillTracked := o.running[job.ID]
		delete(o.running, job.ID)
		o.mu.Unlock()

		// A runner a StopRunner call already untracked was settled there.
		if !stillTracked {
			return
		}
		if err != nil && ctx.Err() == nil {
			o.failJob(job.ID, err)
			return
		}
		o.queue.UpdateStatus(job.ID, JobStopped)
	}()
}

func (o *Orchestrator) failJob(jobID string, err error) {
	o.queue.UpdateStatus(jobID, JobFailed)
	if job := o.queue.GetJob(jobID); job != nil {
		o.log.Error().Err(err).Str("job_id", jobID).Str("user_id", job.UserID).Msg("Job failed")
		o.publishRunnerEvent(job, JobFailed)
	}
}

// sweepDowngrades expires grants and trims each affected user down to the
// free-tier worker cap, stopping their newest runners first.
func (o *Orchestrator) sweepDowngrades(ctx context.Context) {
	o.mu.Lock()
	affected := o.ents.DowngradeExpired(ctx, time.Now())
	o.mu.Unlock()

	for _, userID := range affected {
		o.trimUserWorkers(ctx, userID, workersForTier(kv.DefaultTier))
	}
}

func (o *Orchestrator) trimUserWorkers(ctx context.Context, userID string, limit int) {
	o.mu.Lock()
	var userJobs []*runningJob
	for _, live := range o.running {
		if live.job.UserID == userID {
			userJobs = append(userJobs, live)
		}
	}
	o.mu.Unlock()

	if len(userJobs) <= limit {
		return
	}
	sort.Slice(userJobs, func(i, j int) bool {
		return userJobs[i].job.EnqueuedAt.Before(userJobs[j].job.EnqueuedAt)
	})

	// Newest beyond the cap go first.
	for i := len(userJobs) - 1; i >= limit; i-- {
		job := userJobs[i]
		o.log.Info().Str("job_id", job.job.ID).Str("user_id", userID).Msg("Stopping worker over downgraded cap")
		if err := o.StopRunner(ctx, StopRequest{UserID: userID, WorkerID: job.job.ID}); err != nil {
			o.log.Warn().Err(err).Str("job_id", job.job.ID).Msg("Failed to stop over-cap worker")
		}
	}
}

func (o *Orchestrator) userWorkersLocked(userID string) int {
	count := 0
	for _, live := range o.running {
		if live.job.UserID == userID {
			count++
		}
	}
	for _, job := range o.queue.GetUserJobs(userID) {
		if job.Status == JobQueued {
			count++
		}
	}
	return count
}

func (o *Orchestrator) publishRunnerEvent(job *Job, status string) {
	if o.events == nil {
		return
	}
	err := o.events.Publish(job.UserID, events.TopicRunner, events.RunnerEvent{
		JobID:      job.ID,
		Strategy:   job.StrategyName,
		Instrument: job.Instrument,
		Status:     status,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		o.log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to publish runner event")
	}
}
