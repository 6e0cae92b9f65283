// Package audio extracts a normalized mono 16kHz WAV track from uploaded
// media and validates it before it is shipped to the transcription provider.
package audio

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Info describes the extracted audio track
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// Extraction is the result of one audio extraction
type Extraction struct {
	WAVPath string
	Info    Info
	tempDir string
}

// Cleanup removes the temporary audio artifacts created by Extract
func (e *Extraction) Cleanup() {
	if e == nil || e.tempDir == "" {
		return
	}
	if err := os.RemoveAll(e.tempDir); err != nil {
		return
	}
	e.tempDir = ""
}

// runner abstracts process execution for testability
type runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// execRunner executes commands via os/exec and captures combined output
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// Extractor produces transcription-ready audio from arbitrary media files
type Extractor struct {
	ffmpegPath string
	run        runner
}

// NewExtractor creates an extractor that shells out to ffmpeg
func NewExtractor() *Extractor {
	return &Extractor{
		ffmpegPath: "ffmpeg",
		run:        execRunner{},
	}
}

// NewExtractorWithRunner creates an extractor with an injected command runner
func NewExtractorWithRunner(ffmpegPath string, run runner) *Extractor {
	return &Extractor{
		ffmpegPath: ffmpegPath,
		run:        run,
	}
}

// Extract converts the media file into mono 16kHz PCM WAV in a temporary
// directory and probes the result. The caller owns Cleanup.
func (e *Extractor) Extract(ctx context.Context, mediaPath string) (*Extraction, error) {
	if _, err := os.Stat(mediaPath); err != nil {
		return nil, fmt.Errorf("cannot access media file %s: %v", mediaPath, err)
	}

	tempDir, err := os.MkdirTemp("", "subforge-audio-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %v", err)
	}

	wavPath := filepath.Join(tempDir, "audio-16k-mono.wav")
	args := buildFFmpegArgs(mediaPath, wavPath)

	output, err := e.run.Run(ctx, e.ffmpegPath, args...)
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("ffmpeg audio extraction failed: %v: %s", err, tailOf(output))
	}

	info, err := probeWAV(wavPath)
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("extracted audio is unusable: %v", err)
	}

	return &Extraction{
		WAVPath: wavPath,
		Info:    info,
		tempDir: tempDir,
	}, nil
}

// buildFFmpegArgs builds CLI args for mono 16k PCM WAV output
func buildFFmpegArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

// probeWAV validates the produced WAV header and measures the track
func probeWAV(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("cannot open extracted audio: %v", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return Info{}, fmt.Errorf("extracted file is not a valid WAV")
	}

	format := decoder.Format()
	if format == nil {
		format = &audio.Format{
			NumChannels: int(decoder.NumChans),
			SampleRate:  int(decoder.SampleRate),
		}
	}

	// Measure the PCM payload itself; the RIFF header duration stays positive
	// even when the data chunk is empty.
	if err := decoder.FwdToPCM(); err != nil {
		return Info{}, fmt.Errorf("extracted audio has no PCM data: %v", err)
	}
	bytesPerSec := format.SampleRate * format.NumChannels * int(decoder.BitDepth) / 8
	if decoder.PCMLen() == 0 || bytesPerSec <= 0 {
		return Info{}, fmt.Errorf("extracted audio is empty")
	}
	duration := time.Duration(float64(decoder.PCMLen()) / float64(bytesPerSec) * float64(time.Second))

	return Info{
		SampleRate: format.SampleRate,
		Channels:   format.NumChannels,
		BitDepth:   int(decoder.BitDepth),
		Duration:   duration,
	}, nil
}

// tailOf trims long command output down to its last lines for error messages
func tailOf(output string) string {
	output = strings.TrimSpace(output)
	if len(output) <= 400 {
		return output
	}
	return "..." + output[len(output)-400:]
}
