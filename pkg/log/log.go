package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Init replaces it.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Level is a level name as it appears in configuration
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

type Config struct {
	Level      Level
	JSONOutput bool
	// Output defaults to stdout
	Output io.Writer
}

// ParseLevel maps a level name to zerolog. Empty or unknown names mean info.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Init configures the global level and rebuilds Logger
func Init(cfg Config) {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with component
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithEventID returns a child logger tagged with event_id
func WithEventID(eventID string) zerolog.Logger {
	return Logger.With().Str("event_id", eventID).Logger()
}

// WithWorkerID returns a worker pool logger tagged with worker_id
func WithWorkerID(workerID string) zerolog.Logger {
	return WithComponent("worker").With().Str("worker_id", workerID).Logger()
}

// WithJobID narrows a worker logger to the job it claimed
func WithJobID(workerID, jobID string) zerolog.Logger {
	return WithWorkerID(workerID).With().Str("job_id", jobID).Logger()
}

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string, err error) {
	Logger.Error().Err(err).Msg(msg)
}
