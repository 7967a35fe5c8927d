// Package logging provides structured logging for miniublk
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Category selects a class of debug messages.
type Category uint32

// Debug categories, combined into a mask.
const (
	DbgDev     Category = 1 << 0
	DbgQueue   Category = 1 << 1
	DbgIOCmd   Category = 1 << 2
	DbgIO      Category = 1 << 3
	DbgCtrlCmd Category = 1 << 4
)

func (c Category) String() string {
	switch c {
	case DbgDev:
		return "dev"
	case DbgQueue:
		return "queue"
	case DbgIOCmd:
		return "io_cmd"
	case DbgIO:
		return "io"
	case DbgCtrlCmd:
		return "ctrl_cmd"
	default:
		return fmt.Sprintf("0x%x", uint32(c))
	}
}

// Logger wraps zerolog.Logger with ublk-specific structured fields. A nil
// *Logger discards everything.
type Logger struct {
	zlog   zerolog.Logger
	mask   Category
	closer io.Closer
}

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo  LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn  LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError LogLevel = LogLevel(zerolog.ErrorLevel)
)

// ParseLevel maps a level name to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Config holds logging configuration
type Config struct {
	Level     LogLevel
	Format    string // "json" or "text"
	Output    io.Writer
	Sync      bool // synchronous writes; asynchronous writes may drop under load
	NoColor   bool
	DebugMask Category
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// asyncWriter keeps queue workers from blocking on a slow log sink.
type asyncWriter struct {
	out    io.Writer
	ch     chan []byte
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

func newAsyncWriter(w io.Writer, bufferSize int) *asyncWriter {
	aw := &asyncWriter{
		out:  w,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go aw.run()
	return aw
}

func (aw *asyncWriter) run() {
	defer close(aw.done)
	for msg := range aw.ch {
		aw.out.Write(msg)
	}
}

func (aw *asyncWriter) Write(p []byte) (n int, err error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, io.ErrClosedPipe
	}

	msg := make([]byte, len(p))
	copy(msg, p)

	// drop rather than block when the buffer is full
	select {
	case aw.ch <- msg:
	default:
	}
	return len(p), nil
}

func (aw *asyncWriter) Close() error {
	aw.mu.Lock()
	if !aw.closed {
		aw.closed = true
		close(aw.ch)
	}
	aw.mu.Unlock()
	<-aw.done
	return nil
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	l := &Logger{mask: config.DebugMask}
	if !config.Sync {
		aw := newAsyncWriter(out, 1000)
		l.closer = aw
		out = aw
	}

	switch config.Format {
	case "json":
		l.zlog = zerolog.New(out).With().Timestamp().Logger()
	default:
		l.zlog = zerolog.New(zerolog.ConsoleWriter{Out: out, NoColor: config.NoColor}).With().Timestamp().Logger()
	}

	level := zerolog.Level(config.Level)
	if config.DebugMask != 0 && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	l.zlog = l.zlog.Level(level)
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Close flushes buffered output. Only the root logger should be closed.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) with(zl zerolog.Logger) *Logger {
	return &Logger{zlog: zl, mask: l.mask}
}

// WithDevice returns a logger with device ID context
func (l *Logger) WithDevice(deviceID int) *Logger {
	if l == nil {
		return nil
	}
	return l.with(l.zlog.With().Int("dev_id", deviceID).Logger())
}

// WithQueue returns a logger with queue context
func (l *Logger) WithQueue(queueID int) *Logger {
	if l == nil {
		return nil
	}
	return l.with(l.zlog.With().Int("queue_id", queueID).Logger())
}

// WithTarget returns a logger with target context
func (l *Logger) WithTarget(name string) *Logger {
	if l == nil {
		return nil
	}
	return l.with(l.zlog.With().Str("target", name).Logger())
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if l == nil {
		return nil
	}
	return l.with(l.zlog.With().Err(err).Logger())
}

// Enabled reports whether debug messages of category c are emitted.
func (l *Logger) Enabled(c Category) bool {
	return l != nil && l.mask&c != 0
}

func emit(event *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		event = event.Interface(key, args[i+1])
	}
	event.Msg(msg)
}

// Dbg logs at debug level when category c is in the debug mask.
func (l *Logger) Dbg(c Category, msg string, args ...any) {
	if !l.Enabled(c) {
		return
	}
	emit(l.zlog.Debug().Str("cat", c.String()), msg, args)
}

func (l *Logger) Debug(msg string, args ...any) {
	if l == nil {
		return
	}
	emit(l.zlog.Debug(), msg, args)
}

func (l *Logger) Info(msg string, args ...any) {
	if l == nil {
		return
	}
	emit(l.zlog.Info(), msg, args)
}

func (l *Logger) Warn(msg string, args ...any) {
	if l == nil {
		return
	}
	emit(l.zlog.Warn(), msg, args)
}

func (l *Logger) Error(msg string, args ...any) {
	if l == nil {
		return
	}
	emit(l.zlog.Error(), msg, args)
}
