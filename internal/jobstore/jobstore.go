// Package jobstore tracks orchestration jobs: creation, progress, counters,
// errors, and parent/sub-job rollups. Records are retained for a bounded
// window and purged lazily.
package jobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crestmark-data/ratings-sync/internal/config"
	"github.com/crestmark-data/ratings-sync/internal/model"
)

// ErrJobNotFound is returned when a job id matches no live record.
var ErrJobNotFound = eris.New("jobstore: job not found")

// Backend persists job records. Implementations own TTL bookkeeping.
type Backend interface {
	Put(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, limit int) ([]model.Job, error)
	PurgeExpired(ctx context.Context) (int, error)
	Close() error
}

// Manager is the job-tracking API used by the orchestrator and the HTTP
// surface. Updates are read-modify-write under a process-wide mutex; two
// processes sharing one backend can still interleave, which is accepted for
// this workload (one writer per job in practice).
type Manager struct {
	mu      sync.Mutex
	backend Backend
	durable bool
}

// Open creates a Manager over the durable sqlite backend. If the backend
// cannot be opened the manager degrades to in-memory tracking so scraping
// still works; the degradation is logged once.
func Open(cfg config.JobsConfig) *Manager {
	ttl := time.Duration(cfg.TTLDays) * 24 * time.Hour
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	backend, err := NewSQLiteBackend(cfg.Path, ttl)
	if err != nil {
		zap.L().Warn("durable job store unavailable, falling back to in-memory tracking",
			zap.String("path", cfg.Path), zap.Error(err))
		return &Manager{backend: NewMemoryBackend(ttl)}
	}
	return &Manager{backend: backend, durable: true}
}

// NewManager wraps an explicit backend. Used by tests and by commands that
// want memory-only tracking.
func NewManager(backend Backend, durable bool) *Manager {
	return &Manager{backend: backend, durable: durable}
}

// Durable reports whether job state survives process restarts.
func (m *Manager) Durable() bool { return m.durable }

func (m *Manager) Close() error { return m.backend.Close() }

// Create registers a new job in the queued state.
func (m *Manager) Create(ctx context.Context, jobType, startDate, endDate, parentID string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	job := &model.Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Status:    model.JobStatusQueued,
		StartDate: startDate,
		EndDate:   endDate,
		ParentID:  parentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.backend.Put(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*model.Job, error) {
	return m.backend.Get(ctx, id)
}

// List returns the most recent jobs, newest first.
func (m *Manager) List(ctx context.Context, limit int) ([]model.Job, error) {
	n, err := m.backend.PurgeExpired(ctx)
	switch {
	case err != nil:
		zap.L().Warn("purging expired jobs failed", zap.Error(err))
	case n > 0:
		zap.L().Debug("purged expired jobs", zap.Int("count", n))
	}
	return m.backend.List(ctx, limit)
}

// Update applies fn to the job under the manager mutex and persists the
// result. fn sees the current record and mutates it in place.
func (m *Manager) Update(ctx context.Context, id string, fn func(*model.Job)) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
	if job.Status.Terminal() && job.CompletedAt == nil {
		t := job.UpdatedAt
		job.CompletedAt = &t
	}
	if err := m.backend.Put(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// SetStatus transitions the job and optionally replaces its message.
func (m *Manager) SetStatus(ctx context.Context, id string, status model.JobStatus, message string) error {
	_, err := m.Update(ctx, id, func(j *model.Job) {
		j.Status = status
		if message != "" {
			j.Message = message
		}
		if status == model.JobStatusCompleted {
			j.Progress = 100
		}
	})
	return err
}

// SetProgress records a progress milestone.
func (m *Manager) SetProgress(ctx context.Context, id string, progress int, message string) error {
	_, err := m.Update(ctx, id, func(j *model.Job) {
		j.Progress = progress
		if message != "" {
			j.Message = message
		}
	})
	return err
}

// AddCounters accumulates outcome totals onto the job.
func (m *Manager) AddCounters(ctx context.Context, id string, c model.JobCounters) error {
	_, err := m.Update(ctx, id, func(j *model.Job) {
		j.Counters.Add(c)
	})
	return err
}

// AppendError records a failure on the job without changing its status.
func (m *Manager) AppendError(ctx context.Context, id string, jobErr error) error {
	_, err := m.Update(ctx, id, func(j *model.Job) {
		j.Errors = append(j.Errors, model.JobError{
			Timestamp: time.Now().UTC(),
			Error:     jobErr.Error(),
			Trace:     eris.ToString(jobErr, true),
		})
	})
	return err
}

// Fail marks the job failed and records the cause.
func (m *Manager) Fail(ctx context.Context, id string, cause error) error {
	_, err := m.Update(ctx, id, func(j *model.Job) {
		j.Status = model.JobStatusFailed
		j.Message = cause.Error()
		j.Errors = append(j.Errors, model.JobError{
			Timestamp: time.Now().UTC(),
			Error:     cause.Error(),
			Trace:     eris.ToString(cause, true),
		})
	})
	return err
}

// AddSubJob links a chunk job to its parent.
func (m *Manager) AddSubJob(ctx context.Context, parentID, subID string) error {
	_, err := m.Update(ctx, parentID, func(j *model.Job) {
		j.SubJobIDs = append(j.SubJobIDs, subID)
	})
	return err
}

// CheckAndAggregateParent recomputes a parent job from its sub-jobs: any
// failed sub-job fails the parent immediately, keeping sums from the
// completed subset only; when every sub-job completed the parent completes
// with summed counters; while work remains the parent's progress is the
// integer average of sub-job progress. Safe to call after every sub-job
// transition; once the parent is terminal further calls are no-ops.
func (m *Manager) CheckAndAggregateParent(ctx context.Context, parentID string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, err := m.backend.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if len(parent.SubJobIDs) == 0 || parent.Status.Terminal() {
		return parent, nil
	}

	var (
		sums       model.JobCounters
		completed  int
		failed     int
		progress   int
		subErrors  []model.JobError
	)
	for _, subID := range parent.SubJobIDs {
		sub, err := m.backend.Get(ctx, subID)
		if err != nil {
			return nil, eris.Wrapf(err, "jobstore: load sub-job %s", subID)
		}
		progress += sub.Progress
		switch sub.Status {
		case model.JobStatusCompleted:
			completed++
			sums.Add(sub.Counters)
		case model.JobStatusFailed:
			failed++
			subErrors = append(subErrors, sub.Errors...)
		}
	}

	total := len(parent.SubJobIDs)
	switch {
	case failed > 0:
		parent.Status = model.JobStatusFailed
		parent.Counters = sums
		parent.Errors = append(parent.Errors, subErrors...)
		parent.Message = fmt.Sprintf("%d/%d chunks completed, %d failed", completed, total, failed)
	case completed == total:
		parent.Status = model.JobStatusCompleted
		parent.Counters = sums
		parent.Progress = 100
		parent.Message = fmt.Sprintf("%d/%d chunks completed", completed, total)
	default:
		parent.Status = model.JobStatusRunning
		parent.Counters = sums
		parent.Progress = progress / total
		parent.Message = fmt.Sprintf("%d/%d chunks completed", completed, total)
	}

	parent.UpdatedAt = time.Now().UTC()
	if parent.Status.Terminal() && parent.CompletedAt == nil {
		t := parent.UpdatedAt
		parent.CompletedAt = &t
	}
	if err := m.backend.Put(ctx, parent); err != nil {
		return nil, err
	}
	return parent, nil
}
