// Package logging provides structured logging with zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	TimeFormat string // RFC3339, Unix, etc.
	Dir        string // directory for log files; empty disables file output
	RemoveOld  bool   // delete previous log files before opening a new one
}

// DefaultConfig returns sensible default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339,
		Dir:        "logs",
	}
}

var (
	mu          sync.Mutex
	currentFile *os.File
	currentPath string
)

// Init initializes the global zerolog logger. When cfg.Dir is set, log
// output is duplicated to a timestamped file under that directory and
// the file handle is kept for CurrentLogPath.
func Init(cfg Config) error {
	zerolog.TimeFieldFormat = cfg.TimeFormat

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.Kitchen,
		}
	}

	if cfg.Dir != "" {
		if cfg.RemoveOld {
			if err := removeLogFiles(cfg.Dir); err != nil {
				return err
			}
		}
		f, err := openLogFile(cfg.Dir)
		if err != nil {
			return err
		}
		mu.Lock()
		if currentFile != nil {
			currentFile.Close()
		}
		currentFile = f
		currentPath = f.Name()
		mu.Unlock()
		output = io.MultiWriter(output, f)
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
	return nil
}

// Logger returns the global logger.
func Logger() zerolog.Logger {
	return log.Logger
}

// WithComponent returns a logger with a component tag.
func WithComponent(component string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Logger()
}

// WithCall returns a logger carrying call context. Every log line of a
// live call goes through one of these so lines can be grepped by call.
func WithCall(callID, conversationID string) zerolog.Logger {
	return log.With().
		Str("callId", callID).
		Str("conversationId", conversationID).
		Logger()
}

// CurrentLogPath returns the path of the active log file, or "" when
// file output is disabled.
func CurrentLogPath() string {
	mu.Lock()
	defer mu.Unlock()
	return currentPath
}

// LastLogPath returns the most recent log file under dir other than the
// active one, falling back to the active file when it is the only one.
func LastLogPath(dir string) (string, error) {
	paths, err := logFiles(dir)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("logging: no log files in %s", dir)
	}
	sort.Strings(paths)
	mu.Lock()
	active := currentPath
	mu.Unlock()
	for i := len(paths) - 1; i >= 0; i-- {
		if paths[i] != active {
			return paths[i], nil
		}
	}
	return paths[len(paths)-1], nil
}

func openLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create dir: %w", err)
	}
	name := fmt.Sprintf("gateway-%s.log", time.Now().Format("20060102-150405"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open file: %w", err)
	}
	return f, nil
}

func logFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

func removeLogFiles(dir string) error {
	paths, err := logFiles(dir)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("logging: remove %s: %w", p, err)
		}
	}
	return nil
}
