package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Settings holds everything the server needs at startup. Values load from
// the settings file and can be overridden by environment variables.
type Settings struct {
	ListenAddr         string  `json:"listenAddr"`
	UploadDir          string  `json:"uploadDir"`
	DatabasePath       string  `json:"databasePath"`
	OpenAIAPIKey       string  `json:"openaiApiKey"`
	OpenAIBaseURL      string  `json:"openaiBaseUrl"`
	TranscriptionModel string  `json:"transcriptionModel"`
	SummaryModel       string  `json:"summaryModel"`
	ResendAPIKey       string  `json:"resendApiKey"`
	EmailFrom          string  `json:"emailFrom"`
	MaxUploadMB        int     `json:"maxUploadMb"`
	SingleCallLimitMB  float64 `json:"singleCallLimitMb"`
	ChunkSizeMB        float64 `json:"chunkSizeMb"`
}

// DefaultSettings returns the out-of-the-box configuration.
func DefaultSettings() Settings {
	return Settings{
		ListenAddr:         ":3000",
		UploadDir:          "uploads",
		DatabasePath:       filepath.Join("data", "transcriptions.db"),
		TranscriptionModel: "whisper-1",
		SummaryModel:       "gpt-4o-mini",
		MaxUploadMB:        200,
		SingleCallLimitMB:  25,
		ChunkSizeMB:        20,
	}
}

// Store persists settings as an indented JSON file.
type Store struct {
	path string
}

// NewStore creates a store rooted at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads settings from disk. A missing file yields the defaults rather
// than an error, so first runs need no setup step.
func (s *Store) Load() (Settings, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read settings file: %w", err)
	}

	settings := DefaultSettings()
	if err := json.Unmarshal(raw, &settings); err != nil {
		return Settings{}, fmt.Errorf("parse settings file: %w", err)
	}
	return settings, nil
}

// Save writes settings to disk, creating the parent directory if needed.
func (s *Store) Save(settings Settings) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure settings directory: %w", err)
		}
	}

	raw, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write settings file: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment variables on top of loaded settings.
// Secrets usually arrive this way in deployment.
func ApplyEnv(settings Settings) Settings {
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		settings.OpenAIAPIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")); v != "" {
		settings.OpenAIBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RESEND_API_KEY")); v != "" {
		settings.ResendAPIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("EMAIL_FROM")); v != "" {
		settings.EmailFrom = v
	}
	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		settings.ListenAddr = v
	} else if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		settings.ListenAddr = ":" + port
	}
	if v := strings.TrimSpace(os.Getenv("UPLOAD_DIR")); v != "" {
		settings.UploadDir = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_PATH")); v != "" {
		settings.DatabasePath = v
	}
	return settings
}
