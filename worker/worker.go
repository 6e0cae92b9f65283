// Package worker runs the per-job subtitle pipeline. Each accepted job is
// driven by exactly one goroutine that owns all of that job's status writes;
// request handlers only ever read committed snapshots from the store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/subforge/subforge/assemblyai"
	"github.com/subforge/subforge/audio"
	"github.com/subforge/subforge/groq"
	"github.com/subforge/subforge/models"
	"github.com/subforge/subforge/store"
)

// AudioExtractor produces a transcription-ready audio track from source media
type AudioExtractor interface {
	Extract(ctx context.Context, mediaPath string) (*audio.Extraction, error)
}

// Transcriber is the boundary to the speech-to-text provider. Poll is a
// single probe; the polling loop and its budget live in the pipeline.
type Transcriber interface {
	Upload(ctx context.Context, media io.Reader) (string, error)
	Submit(ctx context.Context, audioURL string) (string, error)
	Poll(ctx context.Context, transcriptID string) (assemblyai.PollResult, error)
}

// Completer is the boundary to the text-completion provider
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Renderer burns subtitle text into a video file
type Renderer interface {
	Render(ctx context.Context, videoPath, subtitleText string) (string, error)
}

// Archiver records terminal jobs in external storage
type Archiver interface {
	SaveJob(ctx context.Context, job models.Job) error
}

// errTranscriptTimeout marks a polling-budget exhaustion so it can be
// reported distinctly from a provider-side failure.
var errTranscriptTimeout = errors.New("transcription polling budget exhausted")

// PipelineConfig carries the pipeline tunables
type PipelineConfig struct {
	ProcessedDir string
	PollInterval time.Duration
	PollBudget   time.Duration
}

// Pipeline advances one job through the pipeline states, committing every
// transition to the store before the corresponding external call begins, so
// concurrent status readers always see the most recently entered state.
type Pipeline struct {
	store       *store.JobStore
	extractor   AudioExtractor
	transcriber Transcriber
	completer   Completer
	renderer    Renderer
	archiver    Archiver
	cfg         PipelineConfig
}

// NewPipeline creates a pipeline bound to its collaborators
func NewPipeline(jobStore *store.JobStore, extractor AudioExtractor, transcriber Transcriber, completer Completer, renderer Renderer, cfg PipelineConfig) *Pipeline {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollBudget <= 0 {
		cfg.PollBudget = 300 * time.Second
	}
	return &Pipeline{
		store:       jobStore,
		extractor:   extractor,
		transcriber: transcriber,
		completer:   completer,
		renderer:    renderer,
		cfg:         cfg,
	}
}

// SetArchiver enables archiving of terminal jobs
func (p *Pipeline) SetArchiver(a Archiver) {
	p.archiver = a
}

// Run executes the full lifecycle for one job. The pipeline is forward-only:
// a stage failure commits the error state and stops; a rejected commit means
// the job was deleted mid-flight and the remaining stages are abandoned.
func (p *Pipeline) Run(ctx context.Context, job models.Job) {
	jobID := job.ID
	log.Printf("Job %s: processing started for %s", jobID, job.Filename)

	if _, err := p.store.AdvanceJob(jobID, models.StatusExtractingAudio, "Extracting audio from video..."); err != nil {
		p.abandon(jobID, err)
		return
	}
	extraction, err := p.extractor.Extract(ctx, job.SourceFile)
	if err != nil {
		p.fail(ctx, jobID, "Audio extraction failed", err)
		return
	}
	defer extraction.Cleanup()
	log.Printf("Job %s: extracted %s of audio (%d Hz, %d channel(s))",
		jobID, extraction.Info.Duration.Round(time.Millisecond), extraction.Info.SampleRate, extraction.Info.Channels)

	if _, err := p.store.AdvanceJob(jobID, models.StatusUploading, "Uploading audio to AssemblyAI..."); err != nil {
		p.abandon(jobID, err)
		return
	}
	audioURL, err := p.uploadAudio(ctx, extraction.WAVPath)
	if err != nil {
		p.fail(ctx, jobID, "Audio upload failed", err)
		return
	}

	if _, err := p.store.AdvanceJob(jobID, models.StatusTranscribing, "Requesting transcription..."); err != nil {
		p.abandon(jobID, err)
		return
	}
	transcriptID, err := p.transcriber.Submit(ctx, audioURL)
	if err != nil {
		p.fail(ctx, jobID, "Transcription request failed", err)
		return
	}

	srtContent, err := p.awaitTranscript(ctx, jobID, transcriptID)
	if err != nil {
		if errors.Is(err, errTranscriptTimeout) {
			p.fail(ctx, jobID, "Transcription timed out", err)
		} else {
			p.fail(ctx, jobID, "Transcription failed", err)
		}
		return
	}
	if _, err := p.store.SetTranscript(jobID, srtContent); err != nil {
		p.abandon(jobID, err)
		return
	}

	translationSkipped := false
	if job.Options.TargetLanguage != "" {
		message := fmt.Sprintf("Translating subtitles to %s...", job.Options.TargetLanguage)
		if _, err := p.store.AdvanceJob(jobID, models.StatusTranslating, message); err != nil {
			p.abandon(jobID, err)
			return
		}
		translated, err := p.completer.Complete(ctx, groq.TranslatePrompt(job.Options.TargetLanguage, srtContent))
		if err != nil {
			// Only exhausted retries degrade to the untranslated
			// transcript; anything else (a missing API key, a cancelled
			// context) is a real failure.
			if !errors.Is(err, groq.ErrUnavailable) {
				p.fail(ctx, jobID, "Translation failed", err)
				return
			}
			log.Printf("Job %s: translation unavailable, keeping original transcript: %v", jobID, err)
			translationSkipped = true
			if _, err := p.store.MarkTranslationSkipped(jobID); err != nil {
				p.abandon(jobID, err)
				return
			}
		} else {
			srtContent = translated
			if _, err := p.store.SetTranscript(jobID, srtContent); err != nil {
				p.abandon(jobID, err)
				return
			}
		}
	}

	if err := p.saveSubtitleFile(jobID, srtContent); err != nil {
		p.fail(ctx, jobID, "Failed to save subtitle file", err)
		return
	}

	if job.Options.BurnIn {
		if _, err := p.store.AdvanceJob(jobID, models.StatusEmbedding, "Embedding subtitles into video..."); err != nil {
			p.abandon(jobID, err)
			return
		}
		outputPath, err := p.renderer.Render(ctx, job.SourceFile, srtContent)
		if err != nil {
			p.fail(ctx, jobID, "Subtitle embedding failed", err)
			return
		}
		if _, err := p.store.SetOutputFile(jobID, outputPath); err != nil {
			// The job was deleted while rendering; the store never saw
			// this artifact, so remove it here.
			os.Remove(outputPath)
			p.abandon(jobID, err)
			return
		}
	}

	message := "Process completed successfully!"
	if translationSkipped {
		message = "Process completed (translation unavailable, original transcript kept)"
	}
	final, err := p.store.CompleteJob(jobID, message)
	if err != nil {
		p.abandon(jobID, err)
		return
	}
	log.Printf("Job %s: completed", jobID)
	p.archive(ctx, final)
}

// awaitTranscript polls the provider at a fixed interval until it reports a
// terminal outcome or the wall-clock budget elapses. Transient probe errors
// burn budget but do not abort; the provider may still finish in time.
func (p *Pipeline) awaitTranscript(ctx context.Context, jobID, transcriptID string) (string, error) {
	budget := time.NewTimer(p.cfg.PollBudget)
	defer budget.Stop()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-budget.C:
			return "", fmt.Errorf("%w: transcription did not complete within %s", errTranscriptTimeout, p.cfg.PollBudget)
		case <-ticker.C:
			result, err := p.transcriber.Poll(ctx, transcriptID)
			if err != nil {
				log.Printf("Job %s: transcript poll failed: %v", jobID, err)
				continue
			}
			switch result.State {
			case assemblyai.PollCompleted:
				return result.SRT, nil
			case assemblyai.PollFailed:
				return "", fmt.Errorf("provider reported failure: %s", result.FailureReason)
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// uploadAudio streams the extracted track to the transcription provider
func (p *Pipeline) uploadAudio(ctx context.Context, wavPath string) (string, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return "", fmt.Errorf("cannot open extracted audio: %v", err)
	}
	defer f.Close()
	return p.transcriber.Upload(ctx, f)
}

// saveSubtitleFile writes the subtitle artifact and records its path. A
// rejected commit means the job was deleted after the file was written, so
// the artifact is removed rather than orphaned.
func (p *Pipeline) saveSubtitleFile(jobID, srtContent string) error {
	if err := os.MkdirAll(p.cfg.ProcessedDir, 0755); err != nil {
		return fmt.Errorf("failed to create processed directory: %v", err)
	}
	srtPath := filepath.Join(p.cfg.ProcessedDir, jobID+".srt")
	if err := os.WriteFile(srtPath, []byte(srtContent), 0644); err != nil {
		return fmt.Errorf("failed to write subtitle file: %v", err)
	}
	if _, err := p.store.SetSRTFile(jobID, srtPath); err != nil {
		os.Remove(srtPath)
		return err
	}
	return nil
}

// fail commits the error state with the stage message and failure detail
func (p *Pipeline) fail(ctx context.Context, jobID, message string, cause error) {
	job, err := p.store.FailJob(jobID, message, cause.Error())
	if err != nil {
		p.abandon(jobID, err)
		return
	}
	log.Printf("Job %s: %s: %v", jobID, message, cause)
	p.archive(ctx, job)
}

// abandon stops the pipeline after a status commit was rejected, which
// happens when the job was deleted mid-flight.
func (p *Pipeline) abandon(jobID string, err error) {
	log.Printf("Job %s: pipeline stopped: %v", jobID, err)
}

// archive records a terminal job when an archiver is configured
func (p *Pipeline) archive(ctx context.Context, job models.Job) {
	if p.archiver == nil {
		return
	}
	if err := p.archiver.SaveJob(ctx, job); err != nil {
		log.Printf("Job %s: failed to archive: %v", job.ID, err)
	}
}
