package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel определяет уровни логирования
type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
	DISABLED
)

const (
	EnvLogLevel   = "WORLDHOST_LOG_LEVEL"
	EnvLogDir     = "WORLDHOST_LOG_DIR"
	EnvLogNoColor = "WORLDHOST_LOG_NOCOLOR"
)

// String возвращает строковое представление уровня логирования
func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case DISABLED:
		return "DISABLED"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case TRACE:
		return zerolog.TraceLevel
	case DEBUG:
		return zerolog.DebugLevel
	case INFO:
		return zerolog.InfoLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.Disabled
	}
}

// ParseLevel понимает как имена уровней, так и синонимы вроде "warning" и "off".
func ParseLevel(raw string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return TRACE, true
	case "debug":
		return DEBUG, true
	case "info":
		return INFO, true
	case "warn", "warning":
		return WARN, true
	case "error":
		return ERROR, true
	case "disabled", "off", "none":
		return DISABLED, true
	default:
		return INFO, false
	}
}

// Options задаёт вывод логов. Dir == "" отключает файловый лог.
type Options struct {
	ConsoleLevel LogLevel
	FileLevel    LogLevel
	Dir          string
	NoColor      bool
	Timestamp    bool
}

// DefaultOptions: консоль INFO+, файл в logs/ со всеми уровнями.
func DefaultOptions() Options {
	return Options{
		ConsoleLevel: INFO,
		FileLevel:    TRACE,
		Dir:          "logs",
		Timestamp:    true,
	}
}

// TestOptions используется тестами: подробный вывод без файлов и времени.
func TestOptions() Options {
	return Options{
		ConsoleLevel: DEBUG,
		FileLevel:    DISABLED,
		NoColor:      true,
	}
}

func applyEnvOverrides(opts *Options) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		opts.ConsoleLevel = lvl
	}
	if dir, ok := os.LookupEnv(EnvLogDir); ok {
		if dir == "-" {
			dir = ""
		}
		opts.Dir = dir
	}
	if v, err := strconv.ParseBool(os.Getenv(EnvLogNoColor)); err == nil {
		opts.NoColor = v
	}
}

// sink - общий вывод всех компонентных логгеров.
type sink struct {
	root zerolog.Logger
	file *os.File
}

func newSink(component string, opts Options) (*sink, error) {
	writers := []io.Writer{}

	if opts.ConsoleLevel != DISABLED {
		console := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			NoColor:    opts.NoColor,
			TimeFormat: time.RFC3339,
		}
		if !opts.Timestamp {
			console.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		writers = append(writers, &levelWriter{w: console, min: opts.ConsoleLevel.zerolog()})
	}

	var file *os.File
	if opts.Dir != "" && opts.FileLevel != DISABLED {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("ошибка создания директории %s: %w", opts.Dir, err)
		}
		timestamp := time.Now().Format("2006-01-02_15-04-05")
		filename := filepath.Join(opts.Dir, fmt.Sprintf("%s_%s.log", component, timestamp))
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("ошибка создания файла логов: %w", err)
		}
		file = f
		writers = append(writers, &levelWriter{w: f, min: opts.FileLevel.zerolog()})
	}

	var out io.Writer = io.Discard
	if len(writers) > 0 {
		out = zerolog.MultiLevelWriter(writers...)
	}
	ctx := zerolog.New(out).Level(zerolog.TraceLevel).With()
	if opts.Timestamp {
		ctx = ctx.Timestamp()
	}
	return &sink{root: ctx.Str("app", component).Logger(), file: file}, nil
}

func (s *sink) close() error {
	if s == nil || s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// levelWriter отбрасывает записи ниже min; консоль и файл фильтруются независимо.
type levelWriter struct {
	w   io.Writer
	min zerolog.Level
}

func (lw *levelWriter) Write(p []byte) (int, error) {
	return lw.w.Write(p)
}

func (lw *levelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < lw.min {
		return len(p), nil
	}
	return lw.w.Write(p)
}

// Logger - логгер одного компонента поверх общего sink.
type Logger struct {
	component string
	zl        zerolog.Logger
	minLevel  *atomic.Int32 // общий для логгера и его детей из With
}

func newComponentLogger(s *sink, component string) *Logger {
	l := &Logger{
		component: component,
		zl:        s.root.With().Str("component", component).Logger(),
		minLevel:  new(atomic.Int32),
	}
	l.minLevel.Store(int32(TRACE))
	return l
}

// With возвращает дочерний логгер с дополнительным полем (например world_id).
func (l *Logger) With(key, value string) *Logger {
	return &Logger{
		component: l.component,
		zl:        l.zl.With().Str(key, value).Logger(),
		minLevel:  l.minLevel,
	}
}

// Component возвращает имя компонента.
func (l *Logger) Component() string { return l.component }

// SetLevel задаёт минимальный уровень логгера и всех его производных.
func (l *Logger) SetLevel(level LogLevel) { l.minLevel.Store(int32(level)) }

// Level возвращает минимальный уровень.
func (l *Logger) Level() LogLevel { return LogLevel(l.minLevel.Load()) }

func (l *Logger) Trace(format string, args ...interface{}) { l.log(TRACE, format, args...) }
func (l *Logger) Debug(format string, args ...interface{}) { l.log(DEBUG, format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.log(INFO, format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.log(WARN, format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.log(ERROR, format, args...) }

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if l == nil || level < l.Level() {
		return
	}
	l.zl.WithLevel(level.zerolog()).Msgf(format, args...)
}

// Глобальное состояние пакета
var (
	globalMu   sync.RWMutex
	globalOpts = DefaultOptions()
	globalSink *sink

	defaultLogger *Logger
)

// Configure задаёт параметры вывода; вызывать до InitDefaultLogger.
func Configure(opts Options) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalOpts = opts
}

// InitDefaultLogger инициализирует общий sink и логгер по умолчанию.
func InitDefaultLogger(component string) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	opts := globalOpts
	applyEnvOverrides(&opts)

	s, err := newSink(component, opts)
	if err != nil {
		return err
	}
	if globalSink != nil {
		_ = globalSink.close()
	}
	globalSink = s
	defaultLogger = newComponentLogger(s, component)
	return nil
}

// CloseDefaultLogger закрывает файл логов.
func CloseDefaultLogger() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalSink != nil {
		_ = globalSink.close()
	}
}

// currentSink возвращает sink, создавая консольный fallback без файла.
func currentSink() *sink {
	globalMu.RLock()
	s := globalSink
	globalMu.RUnlock()
	if s != nil {
		return s
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalSink == nil {
		opts := globalOpts
		opts.Dir = ""
		applyEnvOverrides(&opts)
		s, err := newSink("worldhost", opts)
		if err != nil {
			s = &sink{root: zerolog.New(os.Stderr)}
		}
		globalSink = s
		defaultLogger = newComponentLogger(s, "worldhost")
	}
	return globalSink
}

func getDefault() *Logger {
	currentSink()
	globalMu.RLock()
	defer globalMu.RUnlock()
	return defaultLogger
}

// Trace логирует сообщение уровня TRACE
func Trace(format string, args ...interface{}) { getDefault().Trace(format, args...) }

// Debug логирует сообщение уровня DEBUG
func Debug(format string, args ...interface{}) { getDefault().Debug(format, args...) }

// Info логирует сообщение уровня INFO
func Info(format string, args ...interface{}) { getDefault().Info(format, args...) }

// Warn логирует сообщение уровня WARN
func Warn(format string, args ...interface{}) { getDefault().Warn(format, args...) }

// Error логирует сообщение уровня ERROR
func Error(format string, args ...interface{}) { getDefault().Error(format, args...) }
