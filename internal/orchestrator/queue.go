package orchestrator

import (
	"sync"
	"time"
)

// Job statuses.
const (
	JobQueued   = "queued"
	JobRunning  = "running"
	JobStopping = "stopping"
	JobStopped  = "stopped"
	JobFailed   = "failed"
)

// Job is one strategy-run request moving through the queue.
type Job struct {
	ID           string             `json:"id"`
	UserID       string             `json:"userId"`
	StrategyName string             `json:"strategyName"`
	Instrument   string             `json:"instrument"`
	Params       map[string]float64 `json:"params,omitempty"`
	Status       string             `json:"status"`
	Error        string             `json:"error,omitempty"`
	EnqueuedAt   time.Time          `json:"enqueuedAt"`
	StartedAt    *time.Time         `json:"startedAt,omitempty"`
	StoppedAt    *time.Time         `json:"stoppedAt,omitempty"`
}

// QueueStats summarizes queue occupancy by status.
type QueueStats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Stopped int `json:"stopped"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// Queue is FIFO job admission. The in-memory implementation is the default;
// the interface is the only coupling to a durable queue later.
type Queue interface {
	Enqueue(job *Job) error
	Dequeue() *Job
	Peek() *Job
	Remove(id string) bool
	UpdateStatus(id, status string) bool
	GetJob(id string) *Job
	GetUserJobs(userID string) []Job
	GetAllJobs() []Job
	GetStats() QueueStats
	Clear()
}

// memoryQueue is a mutex-guarded FIFO with a job index. Dequeued jobs stay
// in the index so status and history survive admission.
type memoryQueue struct {
	mu      sync.Mutex
	pending []string
	jobs    map[string]*Job
	order   []string // insertion order, for GetAllJobs
}

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() Queue {
	return &memoryQueue{jobs: make(map[string]*Job)}
}

func (q *memoryQueue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	job.Status = JobQueued
	q.jobs[job.ID] = job
	q.pending = append(q.pending, job.ID)
	q.order = append(q.order, job.ID)
	return nil
}

func (q *memoryQueue) Dequeue() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 {
		id := q.pending[0]
		q.pending = q.pending[1:]
		if job, ok := q.jobs[id]; ok && job.Status == JobQueued {
			copied := *job
			return &copied
		}
	}
	return nil
}

func (q *memoryQueue) Peek() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.pending {
		if job, ok := q.jobs[id]; ok && job.Status == JobQueued {
			copied := *job
			return &copied
		}
	}
	return nil
}

func (q *memoryQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[id]; !ok {
		return false
	}
	delete(q.jobs, id)
	for i, jid := range q.pending {
		if jid == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	for i, jid := range q.order {
		if jid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

func (q *memoryQueue) UpdateStatus(id, status string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return false
	}
	job.Status = status
	now := time.Now().UTC()
	switch status {
	case JobRunning:
		job.StartedAt = &now
	case JobStopped, JobFailed:
		job.StoppedAt = &now
	}
	return true
}

func (q *memoryQueue) GetJob(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil
	}
	copied := *job
	return &copied
}

func (q *memoryQueue) GetUserJobs(userID string) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var jobs []Job
	for _, id := range q.order {
		if job, ok := q.jobs[id]; ok && job.UserID == userID {
			jobs = append(jobs, *job)
		}
	}
	return jobs
}

func (q *memoryQueue) GetAllJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]Job, 0, len(q.order))
	for _, id := range q.order {
		if job, ok := q.jobs[id]; ok {
			jobs = append(jobs, *job)
		}
	}
	return jobs
}

func (q *memoryQueue) GetStats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := QueueStats{Total: len(q.jobs)}
	for _, job := range q.jobs {
		switch job.Status {
		case JobQueued:
			stats.Queued++
		case JobRunning, JobStopping:
			stats.Running++
		case JobStopped:
			stats.Stopped++
		case JobFailed:
			stats.Failed++
		}
	}
	return stats
}

func (q *memoryQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	q.order = nil
	q.jobs = make(map[string]*Job)
}
