package worker

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/subforge/subforge/models"
	"github.com/subforge/subforge/store"
)

// Handle tracks one launched pipeline goroutine
type Handle struct {
	JobID string
	done  chan struct{}
}

// Done is closed once the job's pipeline goroutine has finished
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Dispatcher accepts validated submissions, creates the job record, and
// launches one pipeline goroutine per job. It retains a handle per active job
// so workers are never untracked. There is no ceiling on concurrently active
// workers.
type Dispatcher struct {
	store     *store.JobStore
	pipeline  *Pipeline
	uploadDir string

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewDispatcher creates a dispatcher that saves uploads under uploadDir
func NewDispatcher(jobStore *store.JobStore, pipeline *Pipeline, uploadDir string) *Dispatcher {
	return &Dispatcher{
		store:     jobStore,
		pipeline:  pipeline,
		uploadDir: uploadDir,
		handles:   make(map[string]*Handle),
	}
}

// Submit stores the uploaded media, creates the job record in the queued
// state, and starts the job's worker. It returns without waiting on any
// pipeline stage.
func (d *Dispatcher) Submit(src io.Reader, filename string, opts models.ProcessOptions) (models.Job, error) {
	if err := os.MkdirAll(d.uploadDir, 0755); err != nil {
		return models.Job{}, fmt.Errorf("failed to create upload directory: %v", err)
	}

	jobID := uuid.New().String()
	sourcePath := filepath.Join(d.uploadDir, jobID+strings.ToLower(filepath.Ext(filename)))

	dst, err := os.Create(sourcePath)
	if err != nil {
		return models.Job{}, fmt.Errorf("failed to save file: %v", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(sourcePath)
		return models.Job{}, fmt.Errorf("failed to save file data: %v", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(sourcePath)
		return models.Job{}, fmt.Errorf("failed to save file data: %v", err)
	}

	job := models.Job{
		ID:         jobID,
		Filename:   filename,
		SourceFile: sourcePath,
		Status:     models.StatusQueued,
		Message:    "Video uploaded successfully, processing queued...",
		Options:    opts,
		CreatedAt:  time.Now(),
	}
	if err := d.store.CreateJob(job); err != nil {
		os.Remove(sourcePath)
		return models.Job{}, err
	}

	handle := &Handle{JobID: jobID, done: make(chan struct{})}
	d.mu.Lock()
	d.handles[jobID] = handle
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.handles, jobID)
			d.mu.Unlock()
			close(handle.done)
		}()
		d.pipeline.Run(context.Background(), job)
	}()

	log.Printf("Job dispatched: %s for file %s", jobID, filename)
	return job, nil
}

// Handle returns the handle of a still-active job
func (d *Dispatcher) Handle(jobID string) (*Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handles[jobID]
	return h, ok
}

// Active returns the number of jobs whose workers are still running
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}
