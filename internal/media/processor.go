package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// CommandLog captures one external command invocation result.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// ToolError is an operation-aware error with optional command context.
type ToolError struct {
	Op         string     `json:"op"`
	Message    string     `json:"message"`
	CommandLog CommandLog `json:"commandLog"`
	Err        error      `json:"-"`
}

// Error formats tool failures for logs.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	if e.CommandLog.Command == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf(
		"%s: %s (cmd=%s exit=%d)",
		e.Op,
		e.Message,
		e.CommandLog.Command,
		e.CommandLog.ExitCode,
	)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

// Run executes one command and captures stdout/stderr and exit code.
func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}

	return result, nil
}

// convertibleExtensions lists formats known to trip up the transcription
// service; these are transcoded to WAV before submission.
var convertibleExtensions = map[string]bool{
	".m4a": true,
	".mp4": true,
}

// NeedsConversion reports whether a file extension should be transcoded
// before transcription.
func NeedsConversion(ext string) bool {
	return convertibleExtensions[strings.ToLower(strings.TrimSpace(ext))]
}

// Processor wraps ffmpeg/ffprobe invocations behind injectable dependencies.
type Processor struct {
	ffmpegPath  string
	ffprobePath string
	runner      commandRunner
	stat        func(name string) (os.FileInfo, error)
}

// NewProcessor constructs the production processor with OS dependencies.
func NewProcessor() *Processor {
	return &Processor{
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		runner:      &execRunner{},
		stat:        os.Stat,
	}
}

// Duration probes the intrinsic duration of an audio file in seconds.
func (p *Processor) Duration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "quiet",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path,
	}

	result, err := p.runner.Run(ctx, p.ffprobePath, args...)
	log := CommandLog{
		Command:  p.ffprobePath,
		Args:     args,
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
	}
	if err != nil {
		return 0, &ToolError{
			Op:         "probe",
			Message:    "ffprobe duration query failed",
			CommandLog: log,
			Err:        err,
		}
	}

	duration, parseErr := strconv.ParseFloat(strings.TrimSpace(result.Stdout), 64)
	if parseErr != nil || duration <= 0 {
		return 0, &ToolError{
			Op:         "probe",
			Message:    fmt.Sprintf("ffprobe returned no usable duration for %s", filepath.Base(path)),
			CommandLog: log,
			Err:        parseErr,
		}
	}

	return duration, nil
}

// ConvertToWav transcodes the input to 16kHz mono PCM WAV at outputPath.
func (p *Processor) ConvertToWav(ctx context.Context, inputPath, outputPath string) error {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		outputPath,
	}

	result, err := p.runner.Run(ctx, p.ffmpegPath, args...)
	if err != nil {
		return &ToolError{
			Op:      "convert",
			Message: "ffmpeg audio conversion failed",
			CommandLog: CommandLog{
				Command:  p.ffmpegPath,
				Args:     args,
				ExitCode: result.ExitCode,
				Stdout:   result.Stdout,
				Stderr:   result.Stderr,
			},
			Err: err,
		}
	}

	if _, statErr := p.stat(outputPath); statErr != nil {
		return &ToolError{
			Op:      "convert",
			Message: "ffmpeg completed but converted file is missing",
			Err:     statErr,
		}
	}
	return nil
}

// ExtractSegment copies a time-bounded slice of the input without
// re-encoding, writing it to outputPath.
func (p *Processor) ExtractSegment(ctx context.Context, inputPath, outputPath string, startSeconds, spanSeconds float64) error {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-ss", formatSeconds(startSeconds),
		"-t", formatSeconds(spanSeconds),
		"-c", "copy",
		outputPath,
	}

	result, err := p.runner.Run(ctx, p.ffmpegPath, args...)
	if err != nil {
		return &ToolError{
			Op:      "split",
			Message: fmt.Sprintf("ffmpeg failed to extract segment at %s", formatSeconds(startSeconds)),
			CommandLog: CommandLog{
				Command:  p.ffmpegPath,
				Args:     args,
				ExitCode: result.ExitCode,
				Stdout:   result.Stdout,
				Stderr:   result.Stderr,
			},
			Err: err,
		}
	}

	if _, statErr := p.stat(outputPath); statErr != nil {
		return &ToolError{
			Op:      "split",
			Message: "ffmpeg completed but segment file is missing",
			Err:     statErr,
		}
	}
	return nil
}

// FileSize returns the on-disk size of path in bytes.
func (p *Processor) FileSize(path string) (int64, error) {
	info, err := p.stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// formatSeconds renders a seconds offset the way ffmpeg expects it.
func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// NewProcessorForTests constructs a processor with injectable dependencies.
func NewProcessorForTests(
	ffmpegPath string,
	ffprobePath string,
	runner commandRunner,
	stat func(name string) (os.FileInfo, error),
) *Processor {
	return &Processor{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		runner:      runner,
		stat:        stat,
	}
}
