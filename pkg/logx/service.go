package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogPath = "./botrelay.log"

// Service owns the sinks behind every Logger it hands out and swaps them on
// Apply without the loggers noticing.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File

	root  atomic.Pointer[zerolog.Logger]
	alert *alertSink
}

// New applies cfg and returns the Service with its root Logger. sender may be
// nil, in which case alert settings are ignored with a warning on stderr.
func New(cfg Config, sender AlertSender) (*Service, Logger) {
	s := &Service{}
	if sender != nil {
		s.alert = newAlertSink(sender)
	}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply swaps outputs and levels. It is safe to call concurrently with
// logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogPath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Alert.Enabled {
		if s.alert == nil {
			fmt.Fprintln(os.Stderr, "logx: alert sink enabled but no alert sender is configured")
		} else {
			s.alert.apply(cfg.Alert)
			writers = append(writers, s.alert)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close stops the alert worker and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()

	if s.alert != nil {
		s.alert.close()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}
