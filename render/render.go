// Package render burns subtitle text into a video with ffmpeg's subtitles
// filter. Font and codec choices live here and never leak to callers.
package render

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const forceStyle = "FontSize=24,PrimaryColour=&HFFFFFF&,OutlineColour=&H000000&,BorderStyle=1,Outline=1"

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

// Renderer embeds subtitles into video files. Rendering is synchronous and
// CPU-bound; it is invoked at most once per job.
type Renderer struct {
	ffmpegPath string
	outputDir  string
	run        runner
}

// NewRenderer creates a renderer that writes output videos under outputDir
func NewRenderer(outputDir string) *Renderer {
	return &Renderer{
		ffmpegPath: "ffmpeg",
		outputDir:  outputDir,
		run:        execRunner{},
	}
}

// NewRendererWithRunner creates a renderer with an injected command runner
func NewRendererWithRunner(ffmpegPath, outputDir string, run runner) *Renderer {
	return &Renderer{
		ffmpegPath: ffmpegPath,
		outputDir:  outputDir,
		run:        run,
	}
}

// Render burns subtitleText into the video and returns the output video path.
// The subtitle text is staged as a temporary .srt file for the filter; the
// caller keeps its own subtitle artifact.
func (r *Renderer) Render(ctx context.Context, videoPath, subtitleText string) (string, error) {
	if _, err := os.Stat(videoPath); err != nil {
		return "", fmt.Errorf("cannot access video file %s: %v", videoPath, err)
	}
	if strings.TrimSpace(subtitleText) == "" {
		return "", fmt.Errorf("no subtitle text to embed")
	}
	if err := os.MkdirAll(r.outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %v", err)
	}

	tempDir, err := os.MkdirTemp("", "subforge-render-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %v", err)
	}
	defer os.RemoveAll(tempDir)

	srtPath := filepath.Join(tempDir, "subtitles.srt")
	if err := os.WriteFile(srtPath, []byte(subtitleText), 0644); err != nil {
		return "", fmt.Errorf("failed to stage subtitle file: %v", err)
	}

	stem := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	outputPath := filepath.Join(r.outputDir, stem+"_with_subtitles.mp4")

	args := buildFFmpegArgs(videoPath, srtPath, outputPath)
	output, err := r.run.Run(ctx, r.ffmpegPath, args...)
	if err != nil {
		return "", fmt.Errorf("ffmpeg subtitle embedding failed: %v: %s", err, tailOf(output))
	}

	if _, err := os.Stat(outputPath); err != nil {
		return "", fmt.Errorf("ffmpeg completed but output file is missing: %v", err)
	}

	return outputPath, nil
}

// buildFFmpegArgs builds CLI args for subtitle burn-in with x264 video and
// passthrough audio.
func buildFFmpegArgs(videoPath, srtPath, outputPath string) []string {
	filter := fmt.Sprintf("subtitles=%s:force_style='%s'", escapeFilterPath(srtPath), forceStyle)
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", videoPath,
		"-vf", filter,
		"-c:v", "libx264",
		"-c:a", "copy",
		outputPath,
	}
}

// escapeFilterPath escapes characters the ffmpeg filter parser treats
// specially inside file paths.
func escapeFilterPath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.ReplaceAll(p, ":", `\:`)
	p = strings.ReplaceAll(p, "'", `\'`)
	return p
}

// tailOf trims long command output down to its last lines for error messages
func tailOf(output string) string {
	output = strings.TrimSpace(output)
	if len(output) <= 400 {
		return output
	}
	return "..." + output[len(output)-400:]
}
