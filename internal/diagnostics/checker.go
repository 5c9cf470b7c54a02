package diagnostics

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"voice-transcriber/internal/config"
	"voice-transcriber/internal/domain"
)

// Checker runs startup health checks: toolchain binaries on PATH, writable
// working directories, and configured credentials.
type Checker struct {
	lookPath func(file string) (string, error)
	mkdirAll func(path string, perm os.FileMode) error
	writeTmp func(dir string) error
	now      func() time.Time
}

// NewChecker creates a checker bound to the real filesystem and PATH.
func NewChecker() *Checker {
	return &Checker{
		lookPath: exec.LookPath,
		mkdirAll: os.MkdirAll,
		writeTmp: probeWritable,
		now:      time.Now,
	}
}

// probeWritable verifies dir accepts new files by creating and removing one.
func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".diag-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// Run executes every check and aggregates the report.
func (c *Checker) Run(settings config.Settings) domain.DiagnosticReport {
	report := domain.DiagnosticReport{GeneratedAt: c.now()}

	report.Items = append(report.Items, c.checkBinary("ffmpeg", "ffmpeg", "audio conversion and chunk extraction"))
	report.Items = append(report.Items, c.checkBinary("ffprobe", "ffprobe", "audio duration probing"))
	report.Items = append(report.Items, c.checkDir("upload-dir", "Upload directory", settings.UploadDir))
	report.Items = append(report.Items, c.checkDir("data-dir", "Data directory", filepath.Dir(settings.DatabasePath)))
	report.Items = append(report.Items, c.checkKey("openai-key", "OpenAI API key", settings.OpenAIAPIKey,
		"Set OPENAI_API_KEY; transcription requests will fail without it"))
	report.Items = append(report.Items, c.checkKey("resend-key", "Resend API key", settings.ResendAPIKey,
		"Set RESEND_API_KEY to enable email delivery"))

	for _, item := range report.Items {
		if item.Status == domain.DiagnosticStatusFail {
			report.HasFailures = true
			break
		}
	}
	return report
}

// checkBinary verifies a required executable is on PATH.
func (c *Checker) checkBinary(id, name, usedFor string) domain.DiagnosticItem {
	path, err := c.lookPath(name)
	if err != nil {
		return domain.DiagnosticItem{
			ID:      id,
			Name:    name,
			Status:  domain.DiagnosticStatusFail,
			Message: fmt.Sprintf("%s not found on PATH", name),
			Hint:    fmt.Sprintf("Install %s; it is required for %s", name, usedFor),
		}
	}
	return domain.DiagnosticItem{
		ID:      id,
		Name:    name,
		Status:  domain.DiagnosticStatusPass,
		Message: "found at " + path,
	}
}

// checkDir verifies a working directory exists and accepts writes.
func (c *Checker) checkDir(id, name, dir string) domain.DiagnosticItem {
	if err := c.mkdirAll(dir, 0o755); err != nil {
		return domain.DiagnosticItem{
			ID:      id,
			Name:    name,
			Status:  domain.DiagnosticStatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
		}
	}
	if err := c.writeTmp(dir); err != nil {
		return domain.DiagnosticItem{
			ID:      id,
			Name:    name,
			Status:  domain.DiagnosticStatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
		}
	}
	return domain.DiagnosticItem{
		ID:      id,
		Name:    name,
		Status:  domain.DiagnosticStatusPass,
		Message: dir + " is writable",
	}
}

// checkKey reports a missing credential as a warning, not a failure; the
// server can still start and serve history without it.
func (c *Checker) checkKey(id, name, value, hint string) domain.DiagnosticItem {
	if strings.TrimSpace(value) == "" {
		return domain.DiagnosticItem{
			ID:      id,
			Name:    name,
			Status:  domain.DiagnosticStatusWarn,
			Message: "not configured",
			Hint:    hint,
		}
	}
	return domain.DiagnosticItem{
		ID:      id,
		Name:    name,
		Status:  domain.DiagnosticStatusPass,
		Message: "configured",
	}
}

// NewCheckerForTests creates a checker with injectable probes.
func NewCheckerForTests(lookPath func(string) (string, error), mkdirAll func(string, os.FileMode) error, writeTmp func(string) error, now func() time.Time) *Checker {
	return &Checker{lookPath: lookPath, mkdirAll: mkdirAll, writeTmp: writeTmp, now: now}
}
