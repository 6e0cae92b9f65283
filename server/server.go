// Package server exposes the job pipeline over HTTP: multipart submission,
// status and artifact reads, job deletion, synchronous SRT translation, and
// a WebSocket feed of job updates.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/subforge/subforge/config"
	"github.com/subforge/subforge/groq"
	"github.com/subforge/subforge/models"
	"github.com/subforge/subforge/store"
	"github.com/subforge/subforge/worker"
)

// multipartMemory caps how much of a parsed upload is held in memory before
// spilling to temp files; it does not limit the upload size.
const multipartMemory = 32 << 20

// Completer is the completion boundary used by the translate endpoint
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Server handles HTTP requests for job management
type Server struct {
	store      *store.JobStore
	dispatcher *worker.Dispatcher
	translator Completer
	cfg        config.Config
	wsManager  *models.WebSocketManager
	upgrader   websocket.Upgrader
}

// NewServer creates a new server instance
func NewServer(jobStore *store.JobStore, dispatcher *worker.Dispatcher, translator Completer, cfg config.Config) *Server {
	wsManager := models.NewWebSocketManager()
	wsManager.Start()

	return &Server{
		store:      jobStore,
		dispatcher: dispatcher,
		translator: translator,
		cfg:        cfg,
		wsManager:  wsManager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler builds the route table with CORS applied to every API route
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	corsMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}

	mux.Handle("/", corsMiddleware(http.HandlerFunc(s.handleIndex)))
	mux.Handle("/jobs", corsMiddleware(http.HandlerFunc(s.handleJobs)))
	mux.Handle("/jobs/", corsMiddleware(http.HandlerFunc(s.handleJobDetails)))
	mux.Handle("/download/", corsMiddleware(http.HandlerFunc(s.handleDownload)))
	mux.Handle("/translate-srt", corsMiddleware(http.HandlerFunc(s.handleTranslateSRT)))
	mux.Handle("/health", corsMiddleware(http.HandlerFunc(s.handleHealth)))
	mux.Handle("/ws", http.HandlerFunc(s.handleWebSocket))

	return mux
}

// Start begins serving HTTP and broadcasting job updates
func (s *Server) Start() error {
	go s.broadcastUpdates()

	go func() {
		log.Printf("HTTP server listening on %s", s.cfg.HTTPAddr)
		if err := http.ListenAndServe(s.cfg.HTTPAddr, s.Handler()); err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	return nil
}

// broadcastUpdates forwards committed job snapshots to WebSocket clients
func (s *Server) broadcastUpdates() {
	for job := range s.store.Updates() {
		s.wsManager.BroadcastJobUpdate(job)
	}
}

// handleIndex serves the API index document
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Video Subtitle API",
		"endpoints": map[string]string{
			"POST /jobs":             "Upload a media file for subtitle processing",
			"GET /jobs":              "List all jobs (optional ?status= filter)",
			"GET /jobs/{id}":         "Check processing status",
			"DELETE /jobs/{id}":      "Delete a job and its artifacts",
			"GET /download/{id}":     "Download processed video",
			"GET /download/{id}/srt": "Download SRT file",
			"POST /translate-srt":    "Translate existing SRT content",
			"GET /ws":                "WebSocket job updates",
			"GET /health":            "Health check",
		},
		"limits": map[string]interface{}{
			"max_file_size":     fmt.Sprintf("%dMB", s.cfg.MaxUploadBytes>>20),
			"supported_formats": s.cfg.ExtensionList(),
		},
	})
}

// handleJobs handles job submission and job listing
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleSubmit validates a multipart upload and dispatches a new job. All
// validation failures reject the request before any job record exists.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("File too large. Maximum size is %dMB", s.cfg.MaxUploadBytes>>20))
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	file, header, err := r.FormFile("media")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No media file provided")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "No file selected")
		return
	}
	if !s.cfg.AllowedFile(header.Filename) {
		writeError(w, http.StatusBadRequest,
			"Invalid file type. Allowed: "+strings.Join(s.cfg.ExtensionList(), ", "))
		return
	}
	if header.Size > s.cfg.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("File too large. Maximum size is %dMB", s.cfg.MaxUploadBytes>>20))
		return
	}

	burnIn, _ := strconv.ParseBool(r.FormValue("burn_in"))
	opts := models.ProcessOptions{
		TargetLanguage: strings.TrimSpace(r.FormValue("target_language")),
		BurnIn:         burnIn,
	}

	job, err := s.dispatcher.Submit(file, header.Filename, opts)
	if err != nil {
		log.Printf("Failed to dispatch job for %s: %v", header.Filename, err)
		writeError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":     job.ID,
		"status":     job.Status,
		"message":    "Video uploaded successfully, processing started",
		"status_url": "/jobs/" + job.ID,
	})
}

// handleList returns a snapshot of all jobs, optionally filtered by status
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var jobs []models.Job

	if status := r.URL.Query().Get("status"); status != "" {
		if !models.ValidStatus(models.JobStatus(status)) {
			writeError(w, http.StatusBadRequest, "Invalid status parameter")
			return
		}
		jobs = s.store.ListJobsByStatus(models.JobStatus(status))
	} else {
		jobs = s.store.ListJobs()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_jobs": len(jobs),
		"jobs":       jobs,
	})
}

// handleJobDetails handles status reads and deletes for one job
func (s *Server) handleJobDetails(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, http.StatusNotFound, "Job ID not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		job, err := s.store.GetJob(jobID)
		if err != nil {
			writeError(w, http.StatusNotFound, "Job ID not found")
			return
		}
		writeJSON(w, http.StatusOK, job)
	case http.MethodDelete:
		if err := s.store.DeleteJob(jobID); err != nil {
			writeError(w, http.StatusNotFound, "Job ID not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"message": fmt.Sprintf("Job %s deleted successfully", jobID),
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleDownload serves job artifacts: /download/{id} for the rendered video
// and /download/{id}/srt for the subtitle text. Artifacts requested before
// their stage completes are rejected as not ready, not as missing.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/download/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		s.serveVideo(w, r, parts[0])
	case len(parts) == 2 && parts[0] != "" && parts[1] == "srt":
		s.serveSRT(w, parts[0])
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

// serveSRT returns the transcript artifact once transcription has produced it
func (s *Server) serveSRT(w http.ResponseWriter, jobID string) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Job ID not found")
		return
	}
	if job.SRTContent == "" {
		writeError(w, http.StatusBadRequest, "SRT file not ready yet")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.srt", jobID))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(job.SRTContent))
}

// serveVideo returns the rendered video once the job has completed
func (s *Server) serveVideo(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Job ID not found")
		return
	}
	if job.Status != models.StatusCompleted {
		writeError(w, http.StatusBadRequest, "Processing not completed yet")
		return
	}
	if job.OutputFile == "" {
		writeError(w, http.StatusNotFound, "Processed video file not found")
		return
	}
	if _, err := os.Stat(job.OutputFile); err != nil {
		writeError(w, http.StatusNotFound, "Processed video file not found")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s_with_subtitles.mp4", jobID))
	http.ServeFile(w, r, job.OutputFile)
}

// translateSRTRequest is the body of a synchronous translation request
type translateSRTRequest struct {
	SRTContent     string `json:"srt_content"`
	TargetLanguage string `json:"target_language"`
}

// handleTranslateSRT translates caller-provided SRT content synchronously
func (s *Server) handleTranslateSRT(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req translateSRTRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.SRTContent) == "" {
		writeError(w, http.StatusBadRequest, "No SRT content provided")
		return
	}
	if req.TargetLanguage == "" {
		req.TargetLanguage = "English"
	}

	translated, err := s.translator.Complete(r.Context(), groq.TranslatePrompt(req.TargetLanguage, req.SRTContent))
	if err != nil {
		if errors.Is(err, groq.ErrMissingAPIKey) {
			writeError(w, http.StatusInternalServerError, "Groq API key not configured")
			return
		}
		if errors.Is(err, groq.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "Translation service unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "Translation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"original_content":   req.SRTContent,
		"translated_content": translated,
		"target_language":    req.TargetLanguage,
	})
}

// handleHealth reports service health and which provider credentials are set
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"environment": map[string]bool{
			"assemblyai_configured": s.cfg.AssemblyAIKey != "",
			"groq_configured":       s.cfg.GroqKey != "",
		},
	})
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade to WebSocket: %v", err)
		return
	}

	// The current job list goes along with the registration so the manager
	// loop writes it; the conn must only ever have one writer.
	initialData, err := json.Marshal(map[string]interface{}{
		"type": "initial_jobs",
		"jobs": s.store.ListJobs(),
	})
	if err != nil {
		log.Printf("Failed to marshal initial job snapshot: %v", err)
		initialData = nil
	}
	s.wsManager.RegisterClient(conn, initialData)

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.wsManager.UnregisterClient(conn)
				break
			}
		}
	}()
}

// writeJSON renders a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// writeError renders an error document matching the API's wire format
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
