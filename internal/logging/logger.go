package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"lodging/internal/config"

	"github.com/rs/zerolog"
)

const defaultAppName = "lodging"

// New constructs a zerolog logger based on config settings.
// Defaults to JSON, info level, stdout when fields are empty. LOG_LEVEL in the
// environment overrides logging.level.
func New(cfg config.LoggingConfig, app config.AppConfig) (*zerolog.Logger, io.Closer, error) {
	raw := cfg.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		raw = env
	}
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw))); err == nil && parsed != zerolog.NoLevel {
		level = parsed
	}

	name := app.Name
	if name == "" {
		name = defaultAppName
	}

	output := io.Writer(os.Stdout)
	var closer io.Closer

	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "stderr":
		output = os.Stderr
	case "file":
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("logging.output=file requires logging.file_path")
		}
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		output = file
		closer = file
	}

	if strings.ToLower(strings.TrimSpace(cfg.Format)) == "console" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	ctx := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("app", name).
		Str("env", app.Environment).
		Str("version", app.Version)
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	base := ctx.Logger()

	return &base, closer, nil
}
