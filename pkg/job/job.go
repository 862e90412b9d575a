// Package job tracks asynchronous processing jobs: creation, execution
// in a background goroutine, progress updates, cancellation and
// retention cleanup.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oposify/legisref/pkg/pipeline"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one tracked processing run.
type Job struct {
	ID          string           `json:"job_id"`
	Status      Status           `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Progress    float64          `json:"progress"`
	Message     string           `json:"mensaje"`
	Phase       string           `json:"fase_actual,omitempty"`
	Error       string           `json:"error,omitempty"`
	Result      *pipeline.Report `json:"resultado,omitempty"`
}

// RunFunc does the actual work of a job. The context is cancelled when
// the job is cancelled.
type RunFunc func(ctx context.Context) (*pipeline.Report, error)

// Manager tracks jobs in memory.
type Manager struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	cancels map[string]context.CancelFunc
	logger  *slog.Logger
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		jobs:    make(map[string]*Job),
		cancels: make(map[string]context.CancelFunc),
		logger:  slog.Default().With("component", "jobs"),
	}
}

// Create registers a new pending job and returns its ID.
func (m *Manager) Create() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	m.jobs[id] = &Job{
		ID:        id,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		Message:   "Job creado, esperando ejecución",
	}
	m.logger.Info("Job created", "job_id", id)
	return id
}

// Start launches a pending job in a background goroutine.
func (m *Manager) Start(id string, run RunFunc) error {
	m.mu.Lock()

	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("job %s does not exist", id)
	}
	if j.Status != StatusPending {
		m.mu.Unlock()
		return fmt.Errorf("job %s is %s, not pending", id, j.Status)
	}

	now := time.Now()
	j.Status = StatusRunning
	j.StartedAt = &now
	j.Message = "Procesamiento iniciado"
	j.Progress = 0

	ctx, cancel := context.WithCancel(context.Background())
	m.cancels[id] = cancel
	m.mu.Unlock()

	m.logger.Info("Job started", "job_id", id)
	go m.execute(ctx, id, run)
	return nil
}

func (m *Manager) execute(ctx context.Context, id string, run RunFunc) {
	result, err := run(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancels, id)

	j, ok := m.jobs[id]
	if !ok || j.Status == StatusCancelled {
		return
	}

	now := time.Now()
	j.CompletedAt = &now

	switch {
	case err == nil:
		j.Status = StatusCompleted
		j.Result = result
		j.Progress = 100
		j.Message = "Procesamiento completado exitosamente"
		m.logger.Info("Job completed", "job_id", id)
	case errors.Is(err, context.Canceled):
		j.Status = StatusCancelled
		j.Message = "Job cancelado por el usuario"
		m.logger.Info("Job cancelled during run", "job_id", id)
	default:
		j.Status = StatusFailed
		j.Error = err.Error()
		j.Message = "Error: " + err.Error()
		m.logger.Error("Job failed", "job_id", id, "error", err)
	}
}

// Get returns a snapshot of a job.
func (m *Manager) Get(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// List returns snapshots of all jobs, most recent first.
func (m *Manager) List() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, *j)
	}
	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})
	return jobs
}

// Cancel stops a pending or running job. It reports whether the job
// was actually cancelled.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status.Terminal() {
		return false
	}

	if cancel, running := m.cancels[id]; running {
		cancel()
		delete(m.cancels, id)
	}

	now := time.Now()
	j.Status = StatusCancelled
	j.CompletedAt = &now
	j.Message = "Job cancelado por el usuario"
	m.logger.Info("Job cancelled", "job_id", id)
	return true
}

// SetProgress updates a job's progress, clamped to [0,100].
func (m *Manager) SetProgress(id string, percent float64, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return
	}
	j.Progress = min(100, max(0, percent))
	if message != "" {
		j.Message = message
	}
}

// SetPhase updates the descriptive phase of a job.
func (m *Manager) SetPhase(id, phase string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j, ok := m.jobs[id]; ok {
		j.Phase = phase
	}
}

// Delete removes a job. Running jobs are cancelled first.
func (m *Manager) Delete(id string) bool {
	m.Cancel(id)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return false
	}
	delete(m.jobs, id)
	return true
}

// CleanupOlderThan removes terminal jobs created more than maxAge ago
// and returns how many were removed.
func (m *Manager) CleanupOlderThan(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, j := range m.jobs {
		if j.Status.Terminal() && j.CreatedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("Old jobs cleaned up", "removed", removed)
	}
	return removed
}

// Stats summarizes the manager state.
type Stats struct {
	Total           int     `json:"total_jobs"`
	Completed       int     `json:"jobs_completados"`
	Failed          int     `json:"jobs_fallidos"`
	Active          int     `json:"jobs_activos"`
	SuccessRate     float64 `json:"tasa_exito"`
	AvgSeconds      float64 `json:"tiempo_promedio_segundos"`
	TotalReferences int     `json:"total_referencias_extraidas"`
}

// Stats computes run statistics across all jobs.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats Stats
	var elapsed []float64
	for _, j := range m.jobs {
		stats.Total++
		switch j.Status {
		case StatusCompleted:
			stats.Completed++
			if j.StartedAt != nil && j.CompletedAt != nil {
				elapsed = append(elapsed, j.CompletedAt.Sub(*j.StartedAt).Seconds())
			}
			if j.Result != nil {
				stats.TotalReferences += j.Result.TotalExtracted
			}
		case StatusFailed:
			stats.Failed++
		case StatusPending, StatusRunning:
			stats.Active++
		}
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Total)
	}
	if len(elapsed) > 0 {
		sum := 0.0
		for _, e := range elapsed {
			sum += e
		}
		stats.AvgSeconds = sum / float64(len(elapsed))
	}
	return stats
}
