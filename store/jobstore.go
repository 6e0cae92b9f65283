package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/subforge/subforge/models"
)

// ErrJobNotFound is returned for unknown or deleted job IDs.
var ErrJobNotFound = errors.New("job not found")

// ErrInvalidTransition is returned when a status change violates the
// pipeline's transition table.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrJobTerminal is returned when mutating a job that already reached a
// terminal state.
var ErrJobTerminal = errors.New("job already in a terminal state")

// jobEntry guards a single job record. Each entry carries its own lock so
// updates to different jobs never block each other.
type jobEntry struct {
	mu      sync.Mutex
	job     models.Job
	deleted bool
}

// JobStore is the registry of all known jobs. It is the only structure shared
// between pipeline workers and request handlers.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]*jobEntry
	dataDir string
	updates chan models.Job
}

// NewJobStore creates a store that persists job records under dataDir
func NewJobStore(dataDir string) (*JobStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	return &JobStore{
		jobs:    make(map[string]*jobEntry),
		dataDir: dataDir,
		updates: make(chan models.Job, 100),
	}, nil
}

// Updates returns the feed of job snapshots emitted on every committed
// mutation. Snapshots are dropped rather than blocking a writer when the
// consumer falls behind.
func (s *JobStore) Updates() <-chan models.Job {
	return s.updates
}

// CreateJob registers a new job record and persists it
func (s *JobStore) CreateJob(job models.Job) error {
	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("job %s already exists", job.ID)
	}
	entry := &jobEntry{job: job}
	s.jobs[job.ID] = entry
	s.mu.Unlock()

	entry.mu.Lock()
	err := s.persistJob(entry.job)
	entry.mu.Unlock()
	if err != nil {
		s.mu.Lock()
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		return err
	}

	s.emit(job)
	log.Printf("Job created: %s for file %s", job.ID, job.Filename)
	return nil
}

// GetJob retrieves a snapshot of a job by ID
func (s *JobStore) GetJob(jobID string) (models.Job, error) {
	s.mu.RLock()
	entry, exists := s.jobs[jobID]
	s.mu.RUnlock()
	if !exists {
		return models.Job{}, ErrJobNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return models.Job{}, ErrJobNotFound
	}
	return entry.job, nil
}

// ListJobs returns a snapshot of all jobs, newest first
func (s *JobStore) ListJobs() []models.Job {
	s.mu.RLock()
	entries := make([]*jobEntry, 0, len(s.jobs))
	for _, entry := range s.jobs {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	jobs := make([]models.Job, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		if !entry.deleted {
			jobs = append(jobs, entry.job)
		}
		entry.mu.Unlock()
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

// ListJobsByStatus returns a snapshot of jobs currently in the given status
func (s *JobStore) ListJobsByStatus(status models.JobStatus) []models.Job {
	all := s.ListJobs()
	jobs := make([]models.Job, 0, len(all))
	for _, job := range all {
		if job.Status == status {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// applyUpdate runs a mutation against one job record atomically. The record
// is persisted and broadcast only after the mutation succeeds, so readers
// never observe a partially applied transition.
func (s *JobStore) applyUpdate(jobID string, mutate func(*models.Job) error) (models.Job, error) {
	s.mu.RLock()
	entry, exists := s.jobs[jobID]
	s.mu.RUnlock()
	if !exists {
		return models.Job{}, ErrJobNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return models.Job{}, ErrJobNotFound
	}

	updated := entry.job
	if err := mutate(&updated); err != nil {
		return models.Job{}, err
	}
	entry.job = updated

	if err := s.persistJob(updated); err != nil {
		log.Printf("Failed to persist job %s: %v", jobID, err)
	}

	s.emit(updated)
	return updated, nil
}

// AdvanceJob commits a forward transition to the given status
func (s *JobStore) AdvanceJob(jobID string, status models.JobStatus, message string) (models.Job, error) {
	return s.applyUpdate(jobID, func(job *models.Job) error {
		if !models.CanTransition(job.Status, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, status)
		}
		if job.Status == models.StatusQueued {
			job.StartedAt = time.Now()
		}
		job.Status = status
		job.Message = message
		if status.Terminal() {
			job.CompletedAt = time.Now()
		}
		return nil
	})
}

// CompleteJob moves a job to the completed state
func (s *JobStore) CompleteJob(jobID string, message string) (models.Job, error) {
	return s.AdvanceJob(jobID, models.StatusCompleted, message)
}

// FailJob moves a job to the error state with a failure detail. Jobs already
// in a terminal state are left untouched.
func (s *JobStore) FailJob(jobID string, message, detail string) (models.Job, error) {
	return s.applyUpdate(jobID, func(job *models.Job) error {
		if job.Status.Terminal() {
			return ErrJobTerminal
		}
		job.Status = models.StatusError
		job.Message = message
		job.ErrorDetail = detail
		job.CompletedAt = time.Now()
		return nil
	})
}

// SetTranscript attaches transcript text to a running job
func (s *JobStore) SetTranscript(jobID string, srtContent string) (models.Job, error) {
	return s.applyUpdate(jobID, func(job *models.Job) error {
		if job.Status.Terminal() {
			return ErrJobTerminal
		}
		job.SRTContent = srtContent
		return nil
	})
}

// SetSRTFile records the on-disk subtitle artifact path for a running job
func (s *JobStore) SetSRTFile(jobID string, path string) (models.Job, error) {
	return s.applyUpdate(jobID, func(job *models.Job) error {
		if job.Status.Terminal() {
			return ErrJobTerminal
		}
		job.SRTFile = path
		return nil
	})
}

// MarkTranslationSkipped flags that the translation stage was skipped after
// the completion provider was unavailable
func (s *JobStore) MarkTranslationSkipped(jobID string) (models.Job, error) {
	return s.applyUpdate(jobID, func(job *models.Job) error {
		if job.Status.Terminal() {
			return ErrJobTerminal
		}
		job.TranslationSkipped = true
		return nil
	})
}

// SetOutputFile records the rendered video artifact for a running job
func (s *JobStore) SetOutputFile(jobID string, path string) (models.Job, error) {
	return s.applyUpdate(jobID, func(job *models.Job) error {
		if job.Status.Terminal() {
			return ErrJobTerminal
		}
		job.OutputFile = path
		return nil
	})
}

// DeleteJob removes a job record, its persisted state, and its on-disk
// artifacts. In-flight external calls for the job are not interrupted; their
// later status commits fail with ErrJobNotFound.
func (s *JobStore) DeleteJob(jobID string) error {
	s.mu.Lock()
	entry, exists := s.jobs[jobID]
	if exists {
		delete(s.jobs, jobID)
	}
	s.mu.Unlock()
	if !exists {
		return ErrJobNotFound
	}

	entry.mu.Lock()
	if entry.deleted {
		entry.mu.Unlock()
		return ErrJobNotFound
	}
	entry.deleted = true
	job := entry.job
	entry.mu.Unlock()

	s.removeJobFiles(job)
	log.Printf("Job deleted: %s", jobID)
	return nil
}

// removeJobFiles discards the persisted record and artifacts of a job
func (s *JobStore) removeJobFiles(job models.Job) {
	paths := []string{
		filepath.Join(s.dataDir, job.ID+".json"),
		job.SourceFile,
		job.SRTFile,
		job.OutputFile,
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("Failed to remove %s for job %s: %v", path, job.ID, err)
		}
	}
}

// persistJob saves job data to disk
func (s *JobStore) persistJob(job models.Job) error {
	jobPath := filepath.Join(s.dataDir, job.ID+".json")

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job data: %v", err)
	}

	if err := os.WriteFile(jobPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write job file: %v", err)
	}

	return nil
}

// LoadJobs restores persisted jobs from disk. Jobs that were still being
// processed when the previous run stopped are marked failed, since their
// worker no longer exists.
func (s *JobStore) LoadJobs() error {
	files, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %v", err)
	}

	loaded := 0
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}

		jobPath := filepath.Join(s.dataDir, file.Name())
		data, err := os.ReadFile(jobPath)
		if err != nil {
			log.Printf("Failed to read job file %s: %v", jobPath, err)
			continue
		}

		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			log.Printf("Failed to unmarshal job data %s: %v", jobPath, err)
			continue
		}

		if !job.Status.Terminal() {
			job.Status = models.StatusError
			job.Message = "Processing was interrupted by a service restart"
			job.ErrorDetail = "job was still in progress when the service stopped"
			job.CompletedAt = time.Now()
			if err := s.persistJob(job); err != nil {
				log.Printf("Failed to persist interrupted job %s: %v", job.ID, err)
			}
		}

		s.mu.Lock()
		s.jobs[job.ID] = &jobEntry{job: job}
		s.mu.Unlock()
		loaded++
	}

	log.Printf("Loaded %d jobs from disk", loaded)
	return nil
}

// emit publishes a job snapshot without ever blocking the caller
func (s *JobStore) emit(job models.Job) {
	select {
	case s.updates <- job:
	default:
	}
}
