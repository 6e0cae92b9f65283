package models

import (
	"time"
)

// JobStatus represents the current pipeline stage of a job
type JobStatus string

const (
	StatusQueued          JobStatus = "queued"
	StatusExtractingAudio JobStatus = "extracting_audio"
	StatusUploading       JobStatus = "uploading"
	StatusTranscribing    JobStatus = "transcribing"
	StatusTranslating     JobStatus = "translating"
	StatusEmbedding       JobStatus = "embedding"
	StatusCompleted       JobStatus = "completed"
	StatusError           JobStatus = "error"
)

// ProcessOptions selects the optional pipeline stages for a job
type ProcessOptions struct {
	// TargetLanguage enables the translation stage when non-empty
	TargetLanguage string `json:"target_language,omitempty"`
	// BurnIn enables the subtitle embedding stage
	BurnIn bool `json:"burn_in"`
}

// Job represents one submission's progress through the subtitle pipeline
type Job struct {
	ID                 string         `json:"id"`
	Filename           string         `json:"filename"`
	SourceFile         string         `json:"source_file"`
	Status             JobStatus      `json:"status"`
	Message            string         `json:"message"`
	Options            ProcessOptions `json:"options"`
	SRTContent         string         `json:"srt_content,omitempty"`
	SRTFile            string         `json:"srt_file,omitempty"`
	OutputFile         string         `json:"output_file,omitempty"`
	TranslationSkipped bool           `json:"translation_skipped,omitempty"`
	ErrorDetail        string         `json:"error_detail,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	StartedAt          time.Time      `json:"started_at,omitempty"`
	CompletedAt        time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether no further status transitions may occur
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// stageRanks orders the pipeline stages for monotonicity checks. Error sits
// above every stage since it is reachable from all of them.
var stageRanks = map[JobStatus]int{
	StatusQueued:          0,
	StatusExtractingAudio: 1,
	StatusUploading:       2,
	StatusTranscribing:    3,
	StatusTranslating:     4,
	StatusEmbedding:       5,
	StatusCompleted:       6,
	StatusError:           7,
}

// StageRank returns the pipeline order of a status, or -1 for unknown values
func StageRank(s JobStatus) int {
	rank, ok := stageRanks[s]
	if !ok {
		return -1
	}
	return rank
}

// ValidStatus reports whether s is one of the known status values
func ValidStatus(s JobStatus) bool {
	_, ok := stageRanks[s]
	return ok
}

// CanTransition enforces the allowed job state machine edges. The pipeline is
// forward-only: each stage reaches only the next, the optional stages may be
// skipped, error is reachable from every non-terminal state, and terminal
// states have no outgoing edges.
func CanTransition(from, to JobStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusError {
		return true
	}

	switch from {
	case StatusQueued:
		return to == StatusExtractingAudio
	case StatusExtractingAudio:
		return to == StatusUploading
	case StatusUploading:
		return to == StatusTranscribing
	case StatusTranscribing:
		return to == StatusTranslating || to == StatusEmbedding || to == StatusCompleted
	case StatusTranslating:
		return to == StatusEmbedding || to == StatusCompleted
	case StatusEmbedding:
		return to == StatusCompleted
	default:
		return false
	}
}
