package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/subforge/subforge/assemblyai"
	"github.com/subforge/subforge/audio"
	"github.com/subforge/subforge/groq"
	"github.com/subforge/subforge/models"
	"github.com/subforge/subforge/store"
)

// fakeExtractor copies the media file's bytes into a fake WAV so each job's
// audio stays traceable to its own upload. A non-nil gate blocks extraction
// until the test releases it.
type fakeExtractor struct {
	mu    sync.Mutex
	calls int
	err   error
	dir   string
	gate  chan struct{}
}

func (f *fakeExtractor) Extract(ctx context.Context, mediaPath string) (*audio.Extraction, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	data, err := os.ReadFile(mediaPath)
	if err != nil {
		return nil, err
	}
	wavPath := filepath.Join(f.dir, filepath.Base(mediaPath)+".wav")
	if err := os.WriteFile(wavPath, data, 0644); err != nil {
		return nil, err
	}
	return &audio.Extraction{
		WAVPath: wavPath,
		Info:    audio.Info{SampleRate: 16000, Channels: 1, BitDepth: 16, Duration: time.Second},
	}, nil
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeTranscriber threads each job's media bytes through as its upload URL
// and transcript ID. Probes report transient errors, then pending, then the
// configured terminal outcome.
type fakeTranscriber struct {
	mu        sync.Mutex
	uploads   int
	submits   int
	pollCount map[string]int
	uploadErr error
	submitErr error
	onSubmit  func()
	transient int
	pending   int
	srt       string
	failures  map[string]string
}

func (f *fakeTranscriber) Upload(ctx context.Context, media io.Reader) (string, error) {
	f.mu.Lock()
	f.uploads++
	f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	data, err := io.ReadAll(media)
	if err != nil {
		return "", err
	}
	return "upload://" + string(data), nil
}

func (f *fakeTranscriber) Submit(ctx context.Context, audioURL string) (string, error) {
	f.mu.Lock()
	f.submits++
	f.mu.Unlock()
	if f.onSubmit != nil {
		f.onSubmit()
	}
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return strings.TrimPrefix(audioURL, "upload://"), nil
}

func (f *fakeTranscriber) Poll(ctx context.Context, transcriptID string) (assemblyai.PollResult, error) {
	f.mu.Lock()
	if f.pollCount == nil {
		f.pollCount = make(map[string]int)
	}
	f.pollCount[transcriptID]++
	n := f.pollCount[transcriptID]
	f.mu.Unlock()

	if n <= f.transient {
		return assemblyai.PollResult{}, errors.New("transient probe failure")
	}
	if n <= f.transient+f.pending {
		return assemblyai.PollResult{State: assemblyai.PollPending}, nil
	}
	if reason, ok := f.failures[transcriptID]; ok {
		return assemblyai.PollResult{State: assemblyai.PollFailed, FailureReason: reason}, nil
	}
	if f.srt != "" {
		return assemblyai.PollResult{State: assemblyai.PollCompleted, SRT: f.srt}, nil
	}
	return assemblyai.PollResult{State: assemblyai.PollCompleted, SRT: "transcript:" + transcriptID}, nil
}

func (f *fakeTranscriber) polls(transcriptID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCount[transcriptID]
}

func (f *fakeTranscriber) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

type fakeCompleter struct {
	mu      sync.Mutex
	prompts []string
	text    string
	err     error
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

type fakeRenderer struct {
	mu        sync.Mutex
	calls     int
	videoPath string
	subtitles string
	err       error
	dir       string
	onRender  func()
}

func (f *fakeRenderer) Render(ctx context.Context, videoPath, subtitleText string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.videoPath = videoPath
	f.subtitles = subtitleText
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	stem := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	outputPath := filepath.Join(f.dir, stem+"_with_subtitles.mp4")
	if err := os.WriteFile(outputPath, []byte("rendered"), 0644); err != nil {
		return "", err
	}
	if f.onRender != nil {
		f.onRender()
	}
	return outputPath, nil
}

type fakeArchiver struct {
	mu   sync.Mutex
	jobs []models.Job
}

func (f *fakeArchiver) SaveJob(ctx context.Context, job models.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	return nil
}

func (f *fakeArchiver) saved() []models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Job(nil), f.jobs...)
}

// testPipeline wires a pipeline to fakes and a real store
type testPipeline struct {
	store       *store.JobStore
	extractor   *fakeExtractor
	transcriber *fakeTranscriber
	completer   *fakeCompleter
	renderer    *fakeRenderer
	archiver    *fakeArchiver
	pipeline    *Pipeline
	processed   string
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	st, err := store.NewJobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewJobStore: %v", err)
	}
	tp := &testPipeline{
		store:       st,
		extractor:   &fakeExtractor{dir: t.TempDir()},
		transcriber: &fakeTranscriber{},
		completer:   &fakeCompleter{text: "translated subtitles"},
		renderer:    &fakeRenderer{dir: t.TempDir()},
		archiver:    &fakeArchiver{},
		processed:   t.TempDir(),
	}
	tp.pipeline = NewPipeline(st, tp.extractor, tp.transcriber, tp.completer, tp.renderer, PipelineConfig{
		ProcessedDir: tp.processed,
		PollInterval: time.Millisecond,
		PollBudget:   2 * time.Second,
	})
	tp.pipeline.SetArchiver(tp.archiver)
	return tp
}

// submitJob creates a queued job record backed by a real media file
func (tp *testPipeline) submitJob(t *testing.T, opts models.ProcessOptions) models.Job {
	t.Helper()
	mediaPath := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(mediaPath, []byte("media-bytes"), 0644); err != nil {
		t.Fatalf("write media: %v", err)
	}
	job := models.Job{
		ID:         "job-1",
		Filename:   "clip.mp4",
		SourceFile: mediaPath,
		Status:     models.StatusQueued,
		Message:    "queued",
		Options:    opts,
		CreatedAt:  time.Now(),
	}
	if err := tp.store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

// drainStatuses collapses the update feed into the ordered sequence of
// distinct statuses the store committed.
func drainStatuses(s *store.JobStore) []models.JobStatus {
	var seq []models.JobStatus
	for {
		select {
		case job := <-s.Updates():
			if len(seq) == 0 || seq[len(seq)-1] != job.Status {
				seq = append(seq, job.Status)
			}
		default:
			return seq
		}
	}
}

func assertStatusSequence(t *testing.T, got, want []models.JobStatus) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("status sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status sequence = %v, want %v", got, want)
		}
	}
}

func TestPipelineCompletesJob(t *testing.T) {
	tp := newTestPipeline(t)
	job := tp.submitJob(t, models.ProcessOptions{})

	tp.pipeline.Run(context.Background(), job)

	final, err := tp.store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != models.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.Message)
	}
	if final.Message != "Process completed successfully!" {
		t.Errorf("message = %q", final.Message)
	}
	if final.SRTContent != "transcript:media-bytes" {
		t.Errorf("transcript = %q", final.SRTContent)
	}
	if final.StartedAt.IsZero() || final.CompletedAt.IsZero() {
		t.Error("timestamps not stamped")
	}
	if final.OutputFile != "" {
		t.Errorf("output file = %q for a job without burn-in", final.OutputFile)
	}

	wantSRTPath := filepath.Join(tp.processed, job.ID+".srt")
	if final.SRTFile != wantSRTPath {
		t.Errorf("SRT file = %s, want %s", final.SRTFile, wantSRTPath)
	}
	data, err := os.ReadFile(wantSRTPath)
	if err != nil {
		t.Fatalf("read subtitle artifact: %v", err)
	}
	if string(data) != final.SRTContent {
		t.Errorf("subtitle artifact = %q, want %q", data, final.SRTContent)
	}

	assertStatusSequence(t, drainStatuses(tp.store), []models.JobStatus{
		models.StatusQueued,
		models.StatusExtractingAudio,
		models.StatusUploading,
		models.StatusTranscribing,
		models.StatusCompleted,
	})

	if len(tp.completer.prompts) != 0 {
		t.Errorf("completer called %d times without a target language", len(tp.completer.prompts))
	}
	if tp.renderer.calls != 0 {
		t.Errorf("renderer called %d times without burn-in", tp.renderer.calls)
	}
	saved := tp.archiver.saved()
	if len(saved) != 1 || saved[0].Status != models.StatusCompleted {
		t.Errorf("archived jobs = %v", saved)
	}
}

func TestPipelineTranslates(t *testing.T) {
	tp := newTestPipeline(t)
	job := tp.submitJob(t, models.ProcessOptions{TargetLanguage: "Spanish"})

	tp.pipeline.Run(context.Background(), job)

	final, err := tp.store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != models.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.Message)
	}
	if final.SRTContent != "translated subtitles" {
		t.Errorf("transcript = %q, want translated text", final.SRTContent)
	}
	if final.TranslationSkipped {
		t.Error("translation marked skipped on success")
	}

	data, err := os.ReadFile(final.SRTFile)
	if err != nil {
		t.Fatalf("read subtitle artifact: %v", err)
	}
	if string(data) != "translated subtitles" {
		t.Errorf("subtitle artifact = %q, want translated text", data)
	}

	if len(tp.completer.prompts) != 1 {
		t.Fatalf("completer called %d times, want 1", len(tp.completer.prompts))
	}
	prompt := tp.completer.prompts[0]
	if !strings.Contains(prompt, "to Spanish.") || !strings.Contains(prompt, "transcript:media-bytes") {
		t.Errorf("translation prompt = %q", prompt)
	}

	assertStatusSequence(t, drainStatuses(tp.store), []models.JobStatus{
		models.StatusQueued,
		models.StatusExtractingAudio,
		models.StatusUploading,
		models.StatusTranscribing,
		models.StatusTranslating,
		models.StatusCompleted,
	})
}

// TestPipelineDegradesWhenTranslationUnavailable checks that completion
// provider exhaustion keeps the untranslated transcript instead of failing
// the job.
func TestPipelineDegradesWhenTranslationUnavailable(t *testing.T) {
	tp := newTestPipeline(t)
	tp.completer.err = fmt.Errorf("%w: status=503", groq.ErrUnavailable)
	job := tp.submitJob(t, models.ProcessOptions{TargetLanguage: "French"})

	tp.pipeline.Run(context.Background(), job)

	final, err := tp.store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != models.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed despite translation outage", final.Status, final.Message)
	}
	if !final.TranslationSkipped {
		t.Error("translation not marked skipped")
	}
	if final.SRTContent != "transcript:media-bytes" {
		t.Errorf("transcript = %q, want original kept", final.SRTContent)
	}
	if final.Message != "Process completed (translation unavailable, original transcript kept)" {
		t.Errorf("message = %q", final.Message)
	}
}

// TestPipelineFailsTranslationOnMisconfiguredProvider checks that only
// retry exhaustion degrades; a missing credential fails the job outright.
func TestPipelineFailsTranslationOnMisconfiguredProvider(t *testing.T) {
	tp := newTestPipeline(t)
	tp.completer.err = groq.ErrMissingAPIKey
	job := tp.submitJob(t, models.ProcessOptions{TargetLanguage: "French"})

	tp.pipeline.Run(context.Background(), job)

	final, err := tp.store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != models.StatusError {
		t.Fatalf("status = %s (%s), want error", final.Status, final.Message)
	}
	if final.Message != "Translation failed" {
		t.Errorf("message = %q", final.Message)
	}
	if !strings.Contains(final.ErrorDetail, "GROQ_API_KEY") {
		t.Errorf("error detail = %q", final.ErrorDetail)
	}
	if final.TranslationSkipped {
		t.Error("misconfigured provider marked as skipped translation")
	}
}

func TestPipelineBurnsInSubtitles(t *testing.T) {
	tp := newTestPipeline(t)
	job := tp.submitJob(t, models.ProcessOptions{BurnIn: true})

	tp.pipeline.Run(context.Background(), job)

	final, err := tp.store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != models.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.Message)
	}
	if tp.renderer.calls != 1 {
		t.Fatalf("renderer called %d times, want 1", tp.renderer.calls)
	}
	if tp.renderer.videoPath != job.SourceFile {
		t.Errorf("rendered video = %s, want %s", tp.renderer.videoPath, job.SourceFile)
	}
	if tp.renderer.subtitles != "transcript:media-bytes" {
		t.Errorf("rendered subtitles = %q", tp.renderer.subtitles)
	}
	if final.OutputFile == "" {
		t.Fatal("output file not recorded")
	}
	if _, err := os.Stat(final.OutputFile); err != nil {
		t.Errorf("output file missing: %v", err)
	}

	assertStatusSequence(t, drainStatuses(tp.store), []models.JobStatus{
		models.StatusQueued,
		models.StatusExtractingAudio,
		models.StatusUploading,
		models.StatusTranscribing,
		models.StatusEmbedding,
		models.StatusCompleted,
	})
}

func TestPipelineExtractionFailure(t *testing.T) {
	tp := newTestPipeline(t)
	tp.extractor.err = errors.New("ffmpeg exited 1")
	job := tp.submitJob(t, models.ProcessOptions{})

	tp.pipeline.Run(context.Background(), job)

	final, _ := tp.store.GetJob(job.ID)
	if final.Status != models.StatusError {
		t.Fatalf("status = %s, want error", final.Status)
	}
	if final.Message != "Audio extraction failed" {
		t.Errorf("message = %q", final.Message)
	}
	if !strings.Contains(final.ErrorDetail, "ffmpeg exited 1") {
		t.Errorf("error detail = %q", final.ErrorDetail)
	}
	if tp.transcriber.uploadCount() != 0 {
		t.Errorf("upload attempted after extraction failure")
	}
	saved := tp.archiver.saved()
	if len(saved) != 1 || saved[0].Status != models.StatusError {
		t.Errorf("archived jobs = %v", saved)
	}
}

func TestPipelineUploadFailure(t *testing.T) {
	tp := newTestPipeline(t)
	tp.transcriber.uploadErr = errors.New("connection reset")
	job := tp.submitJob(t, models.ProcessOptions{})

	tp.pipeline.Run(context.Background(), job)

	final, _ := tp.store.GetJob(job.ID)
	if final.Status != models.StatusError {
		t.Fatalf("status = %s, want error", final.Status)
	}
	if final.Message != "Audio upload failed" {
		t.Errorf("message = %q", final.Message)
	}
}

func TestPipelineSubmitFailure(t *testing.T) {
	tp := newTestPipeline(t)
	tp.transcriber.submitErr = errors.New("invalid audio_url")
	job := tp.submitJob(t, models.ProcessOptions{})

	tp.pipeline.Run(context.Background(), job)

	final, _ := tp.store.GetJob(job.ID)
	if final.Status != models.StatusError {
		t.Fatalf("status = %s, want error", final.Status)
	}
	if final.Message != "Transcription request failed" {
		t.Errorf("message = %q", final.Message)
	}
}

func TestPipelineProviderFailure(t *testing.T) {
	tp := newTestPipeline(t)
	tp.transcriber.failures = map[string]string{"media-bytes": "audio too short"}
	job := tp.submitJob(t, models.ProcessOptions{})

	tp.pipeline.Run(context.Background(), job)

	final, _ := tp.store.GetJob(job.ID)
	if final.Status != models.StatusError {
		t.Fatalf("status = %s, want error", final.Status)
	}
	if final.Message != "Transcription failed" {
		t.Errorf("message = %q", final.Message)
	}
	if !strings.Contains(final.ErrorDetail, "provider reported failure: audio too short") {
		t.Errorf("error detail = %q", final.ErrorDetail)
	}
	if final.SRTFile != "" {
		t.Errorf("subtitle artifact recorded for failed transcription")
	}
}

// TestPipelineTimesOut checks the wall-clock polling budget: a transcription
// that never finishes fails the job shortly after the budget elapses, with a
// timeout-specific message.
func TestPipelineTimesOut(t *testing.T) {
	tp := newTestPipeline(t)
	tp.transcriber.pending = 1 << 30
	tp.pipeline = NewPipeline(tp.store, tp.extractor, tp.transcriber, tp.completer, tp.renderer, PipelineConfig{
		ProcessedDir: tp.processed,
		PollInterval: time.Millisecond,
		PollBudget:   50 * time.Millisecond,
	})
	job := tp.submitJob(t, models.ProcessOptions{})

	start := time.Now()
	tp.pipeline.Run(context.Background(), job)
	elapsed := time.Since(start)

	final, _ := tp.store.GetJob(job.ID)
	if final.Status != models.StatusError {
		t.Fatalf("status = %s, want error", final.Status)
	}
	if final.Message != "Transcription timed out" {
		t.Errorf("message = %q", final.Message)
	}
	if !strings.Contains(final.ErrorDetail, "polling budget exhausted") {
		t.Errorf("error detail = %q", final.ErrorDetail)
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("pipeline gave up after %v, before the %v budget", elapsed, 50*time.Millisecond)
	}
}

// TestPipelineCompletesOnSecondPoll checks that a transcription finishing on
// a later probe still delivers the provider's subtitle text verbatim.
func TestPipelineCompletesOnSecondPoll(t *testing.T) {
	const srt = "1\n00:00:00,000 --> 00:00:01,000\nHello\n\n"
	tp := newTestPipeline(t)
	tp.transcriber.pending = 1
	tp.transcriber.srt = srt
	job := tp.submitJob(t, models.ProcessOptions{})

	tp.pipeline.Run(context.Background(), job)

	final, err := tp.store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != models.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.Message)
	}
	if final.SRTContent != srt {
		t.Errorf("transcript = %q, want %q", final.SRTContent, srt)
	}
	if got := tp.transcriber.polls("media-bytes"); got != 2 {
		t.Errorf("poll probes = %d, want 2", got)
	}
}

// TestPipelineToleratesTransientPollErrors checks that probe transport
// failures burn budget without aborting the job.
func TestPipelineToleratesTransientPollErrors(t *testing.T) {
	tp := newTestPipeline(t)
	tp.transcriber.transient = 2
	tp.transcriber.pending = 1
	job := tp.submitJob(t, models.ProcessOptions{})

	tp.pipeline.Run(context.Background(), job)

	final, _ := tp.store.GetJob(job.ID)
	if final.Status != models.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.Message)
	}
	if got := tp.transcriber.polls("media-bytes"); got != 4 {
		t.Errorf("poll probes = %d, want 4", got)
	}
}

// TestPipelineAbandonsDeletedJob checks that deleting a job mid-flight stops
// its worker at the next status commit without resurrecting the record.
func TestPipelineAbandonsDeletedJob(t *testing.T) {
	tp := newTestPipeline(t)
	job := tp.submitJob(t, models.ProcessOptions{})
	tp.transcriber.onSubmit = func() {
		if err := tp.store.DeleteJob(job.ID); err != nil {
			t.Errorf("DeleteJob: %v", err)
		}
	}

	tp.pipeline.Run(context.Background(), job)

	if _, err := tp.store.GetJob(job.ID); !errors.Is(err, store.ErrJobNotFound) {
		t.Fatalf("GetJob after delete = %v, want ErrJobNotFound", err)
	}
	entries, err := os.ReadDir(tp.processed)
	if err != nil {
		t.Fatalf("read processed dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("abandoned job left %d artifacts behind", len(entries))
	}
	if saved := tp.archiver.saved(); len(saved) != 0 {
		t.Errorf("abandoned job was archived: %v", saved)
	}
}

// TestSaveSubtitleFileRemovesArtifactForDeletedJob covers the window where
// the job is deleted after the subtitle file hits disk but before its path is
// committed; the orphaned file must not survive.
func TestSaveSubtitleFileRemovesArtifactForDeletedJob(t *testing.T) {
	tp := newTestPipeline(t)
	job := tp.submitJob(t, models.ProcessOptions{})
	if err := tp.store.DeleteJob(job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}

	err := tp.pipeline.saveSubtitleFile(job.ID, "1\n00:00:00,000 --> 00:00:01,000\nHello\n\n")
	if !errors.Is(err, store.ErrJobNotFound) {
		t.Fatalf("saveSubtitleFile = %v, want ErrJobNotFound", err)
	}

	srtPath := filepath.Join(tp.processed, job.ID+".srt")
	if _, err := os.Stat(srtPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("orphaned subtitle artifact %s still exists", srtPath)
	}
}

// TestPipelineRemovesOutputForJobDeletedWhileRendering deletes the job from
// inside the render call, after the output video exists; the rejected commit
// must clean the artifact up since the delete never saw it.
func TestPipelineRemovesOutputForJobDeletedWhileRendering(t *testing.T) {
	tp := newTestPipeline(t)
	job := tp.submitJob(t, models.ProcessOptions{BurnIn: true})
	tp.renderer.onRender = func() {
		if err := tp.store.DeleteJob(job.ID); err != nil {
			t.Errorf("DeleteJob: %v", err)
		}
	}

	tp.pipeline.Run(context.Background(), job)

	if _, err := tp.store.GetJob(job.ID); !errors.Is(err, store.ErrJobNotFound) {
		t.Fatalf("GetJob after delete = %v, want ErrJobNotFound", err)
	}
	outputPath := filepath.Join(tp.renderer.dir, "clip_with_subtitles.mp4")
	if _, err := os.Stat(outputPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("orphaned rendered video %s still exists", outputPath)
	}
	if saved := tp.archiver.saved(); len(saved) != 0 {
		t.Errorf("deleted job was archived: %v", saved)
	}
}

func TestDispatcherSubmitReturnsImmediately(t *testing.T) {
	tp := newTestPipeline(t)
	gate := make(chan struct{})
	tp.extractor.gate = gate
	dispatcher := NewDispatcher(tp.store, tp.pipeline, t.TempDir())

	job, err := dispatcher.Submit(strings.NewReader("uploaded-bytes"), "Movie Clip.MP4", models.ProcessOptions{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if job.Status != models.StatusQueued {
		t.Errorf("status = %s, want queued", job.Status)
	}
	if job.Message != "Video uploaded successfully, processing queued..." {
		t.Errorf("message = %q", job.Message)
	}
	if job.Filename != "Movie Clip.MP4" {
		t.Errorf("filename = %q", job.Filename)
	}
	if filepath.Ext(job.SourceFile) != ".mp4" {
		t.Errorf("source file = %s, want lowercased .mp4 extension", job.SourceFile)
	}
	data, err := os.ReadFile(job.SourceFile)
	if err != nil {
		t.Fatalf("read saved upload: %v", err)
	}
	if string(data) != "uploaded-bytes" {
		t.Errorf("saved upload = %q", data)
	}

	if dispatcher.Active() != 1 {
		t.Errorf("active workers = %d, want 1 while extraction blocks", dispatcher.Active())
	}
	handle, ok := dispatcher.Handle(job.ID)
	if !ok {
		t.Fatal("no handle for active job")
	}

	close(gate)
	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish after gate release")
	}
	if dispatcher.Active() != 0 {
		t.Errorf("active workers = %d after completion, want 0", dispatcher.Active())
	}
	if _, ok := dispatcher.Handle(job.ID); ok {
		t.Error("handle still registered after completion")
	}
}

// TestDispatcherRunsJobsIndependently submits several jobs at once and checks
// that each reaches its own terminal state with its own transcript, including
// one job whose transcription fails.
func TestDispatcherRunsJobsIndependently(t *testing.T) {
	tp := newTestPipeline(t)
	tp.transcriber.failures = map[string]string{"payload-2": "corrupt audio"}
	dispatcher := NewDispatcher(tp.store, tp.pipeline, t.TempDir())

	const jobs = 4
	var submitted []models.Job
	for i := 0; i < jobs; i++ {
		job, err := dispatcher.Submit(strings.NewReader(fmt.Sprintf("payload-%d", i)), fmt.Sprintf("clip-%d.mp4", i), models.ProcessOptions{})
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		submitted = append(submitted, job)
	}

	seen := make(map[string]bool)
	for _, job := range submitted {
		if seen[job.ID] {
			t.Fatalf("duplicate job ID %s", job.ID)
		}
		seen[job.ID] = true
	}

	for _, job := range submitted {
		if handle, ok := dispatcher.Handle(job.ID); ok {
			select {
			case <-handle.Done():
			case <-time.After(10 * time.Second):
				t.Fatalf("job %s did not finish", job.ID)
			}
		}
	}
	if dispatcher.Active() != 0 {
		t.Errorf("active workers = %d after all jobs finished", dispatcher.Active())
	}
	if got := tp.extractor.callCount(); got != jobs {
		t.Errorf("extractions = %d, want %d", got, jobs)
	}

	for i, job := range submitted {
		final, err := tp.store.GetJob(job.ID)
		if err != nil {
			t.Fatalf("GetJob(%s): %v", job.ID, err)
		}
		if i == 2 {
			if final.Status != models.StatusError {
				t.Errorf("job %d status = %s, want error", i, final.Status)
			}
			continue
		}
		if final.Status != models.StatusCompleted {
			t.Errorf("job %d status = %s (%s), want completed", i, final.Status, final.Message)
			continue
		}
		want := fmt.Sprintf("transcript:payload-%d", i)
		if final.SRTContent != want {
			t.Errorf("job %d transcript = %q, want %q", i, final.SRTContent, want)
		}
	}
}
