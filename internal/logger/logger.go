// Package logger provides structured logging with file rotation support.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shepherd-project/gpuwatch/internal/config"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

const dateLayout = "2006-01-02"

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l LogLevel) String() string {
	if l < DEBUG || l > FATAL {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the main logger structure
type Logger struct {
	mu          sync.Mutex
	level       LogLevel
	formatJSON  bool
	outputs     []io.Writer
	fileWriter  *os.File
	logDir      string
	maxSize     int64 // MB
	maxBackups  int
	maxAge      int // days
	currentSize int64
	currentDate string
	mode        string // tui, headless, snapshot
	now         func() time.Time
	stop        chan struct{}
	stopOnce    sync.Once
}

var (
	defaultLogger *Logger
	defaultMu     sync.Mutex
)

// InitLogger initializes the global logger with the given configuration
func InitLogger(cfg *config.LogConfig, mode string) error {
	logger, err := NewLogger(cfg, mode)
	if err != nil {
		return err
	}

	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
	return nil
}

// NewLogger creates a new logger instance
func NewLogger(cfg *config.LogConfig, mode string) (*Logger, error) {
	if mode == "" {
		mode = "tui"
	}

	l := &Logger{
		level:      parseLevel(cfg.Level),
		formatJSON: cfg.Format == "json",
		logDir:     cfg.Directory,
		maxSize:    int64(cfg.MaxSize),
		maxBackups: cfg.MaxBackups,
		maxAge:     cfg.MaxAge,
		mode:       mode,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	l.currentDate = l.now().Format(dateLayout)

	switch strings.ToLower(cfg.Output) {
	case "stdout":
		l.outputs = append(l.outputs, os.Stdout)
	case "stderr":
		l.outputs = append(l.outputs, os.Stderr)
	case "file":
		if err := l.setupFileWriter(); err != nil {
			return nil, err
		}
	case "both":
		l.outputs = append(l.outputs, os.Stderr)
		if err := l.setupFileWriter(); err != nil {
			return nil, err
		}
	default:
		l.outputs = append(l.outputs, os.Stderr)
	}

	return l, nil
}

// FileName returns the active log file name for a mode and date.
func FileName(mode, date string) string {
	return fmt.Sprintf("gpuwatch-%s-%s.log", mode, date)
}

func (l *Logger) currentPath() string {
	return filepath.Join(l.logDir, FileName(l.mode, l.currentDate))
}

func (l *Logger) setupFileWriter() error {
	if l.logDir == "" {
		return fmt.Errorf("日志目录未配置")
	}
	if err := os.MkdirAll(l.logDir, 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}

	f, err := l.openCurrent()
	if err != nil {
		return err
	}
	l.fileWriter = f
	l.outputs = append(l.outputs, f)

	go l.rotationChecker()

	return nil
}

func (l *Logger) openCurrent() (*os.File, error) {
	logFile := l.currentPath()
	l.currentSize = 0
	if info, err := os.Stat(logFile); err == nil {
		l.currentSize = info.Size()
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("打开日志文件失败: %w", err)
	}
	return f, nil
}

// rotationChecker periodically checks if log rotation is needed
func (l *Logger) rotationChecker() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.checkRotation()
		case <-l.stop:
			return
		}
	}
}

func (l *Logger) checkRotation() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileWriter == nil {
		return
	}

	// 日期变化：直接切到新日期的文件
	if date := l.now().Format(dateLayout); date != l.currentDate {
		l.switchFile(func() { l.currentDate = date })
		return
	}

	if l.maxSize > 0 && l.currentSize >= l.maxSize*1024*1024 {
		l.rotateLog("size")
	}
}

// rotateLog renames the active file to
// gpuwatch-{mode}-{date}-{timestamp}-{reason}.log and reopens it.
func (l *Logger) rotateLog(reason string) {
	l.switchFile(func() {
		timestamp := l.now().Format("20060102-150405")
		backup := filepath.Join(l.logDir, fmt.Sprintf("gpuwatch-%s-%s-%s-%s.log", l.mode, l.currentDate, timestamp, reason))
		os.Rename(l.currentPath(), backup)
	})
	l.cleanOldBackups()
}

func (l *Logger) switchFile(between func()) {
	old := l.fileWriter
	old.Close()
	between()

	f, err := l.openCurrent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] 重新打开日志文件失败: %v\n", err)
		l.fileWriter = nil
		l.replaceOutput(old, nil)
		return
	}
	l.fileWriter = f
	l.replaceOutput(old, f)
}

func (l *Logger) replaceOutput(old, f *os.File) {
	outputs := l.outputs[:0]
	for _, w := range l.outputs {
		if w == io.Writer(old) {
			continue
		}
		outputs = append(outputs, w)
	}
	if f != nil {
		outputs = append(outputs, f)
	}
	l.outputs = outputs
}

// cleanOldBackups removes rotated files older than maxAge days and keeps at
// most maxBackups of them.
func (l *Logger) cleanOldBackups() {
	files, err := os.ReadDir(l.logDir)
	if err != nil {
		return
	}

	prefix := "gpuwatch-" + l.mode + "-"
	active := FileName(l.mode, l.currentDate)
	cutoff := l.now().AddDate(0, 0, -l.maxAge)

	var backups []string
	for _, file := range files {
		name := file.Name()
		if name == active || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if len(rest) < len(dateLayout) {
			continue
		}
		fileDate, err := time.Parse(dateLayout, rest[:len(dateLayout)])
		if err != nil {
			continue
		}
		if l.maxAge > 0 && fileDate.Before(cutoff) {
			os.Remove(filepath.Join(l.logDir, name))
			continue
		}
		backups = append(backups, name)
	}

	if l.maxBackups <= 0 || len(backups) <= l.maxBackups {
		return
	}
	// 名字里的日期和时间戳保证字典序即时间序
	sort.Strings(backups)
	for _, name := range backups[:len(backups)-l.maxBackups] {
		os.Remove(filepath.Join(l.logDir, name))
	}
}

// parseLevel maps a config level name to a LogLevel; unknown names log at
// INFO. Validation rejects those before we get here.
func parseLevel(level string) LogLevel {
	name := strings.ToUpper(level)
	if name == "WARNING" {
		return WARN
	}
	for i, n := range levelNames {
		if n == name {
			return LogLevel(i)
		}
	}
	return INFO
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultLogger == nil {
		defaultLogger, _ = NewLogger(&config.LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		}, "tui")
	}
	return defaultLogger
}

func (l *Logger) format(ts time.Time, level LogLevel, msg string, fields []Field) string {
	if l.formatJSON {
		record := make(map[string]interface{}, len(fields)+3)
		for _, f := range fields {
			record[f.Key] = f.Value
		}
		record["time"] = ts.Format(time.RFC3339)
		record["level"] = level.String()
		record["msg"] = msg
		data, err := json.Marshal(record)
		if err != nil {
			data, _ = json.Marshal(map[string]string{"time": ts.Format(time.RFC3339), "level": level.String(), "msg": msg})
		}
		return string(data) + "\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s", ts.Format("2006-01-02 15:04:05"), level, msg)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	b.WriteByte('\n')
	return b.String()
}

// log is the internal logging method
func (l *Logger) log(level LogLevel, msg string, fields []Field) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	ts := l.now()
	logLine := l.format(ts, level, msg, fields)

	for _, w := range l.outputs {
		n, err := io.WriteString(w, logLine)
		if err != nil {
			// 记录错误到 stderr 作为降级方案
			fmt.Fprintf(os.Stderr, "[ERROR] 写入日志失败: %v\n", err)
			continue
		}
		if w == io.Writer(l.fileWriter) {
			l.currentSize += int64(n)
		}
	}
	l.mu.Unlock()

	// Send to log stream for real-time viewing
	if stream := currentLogStream(); stream != nil {
		fieldsMap := make(map[string]interface{}, len(fields))
		for _, f := range fields {
			fieldsMap[f.Key] = f.Value
		}
		stream.Add(StreamLogEntry{
			Timestamp: ts,
			Level:     level.String(),
			Message:   msg,
			Fields:    fieldsMap,
		})
	}
}

// WithField creates a log entry with a single field
func (l *Logger) WithField(key string, value interface{}) *LogEntry {
	return &LogEntry{logger: l, fields: []Field{{Key: key, Value: value}}}
}

// WithFields creates a log entry with multiple fields, ordered by key.
func (l *Logger) WithFields(fields map[string]interface{}) *LogEntry {
	return (&LogEntry{logger: l}).WithFields(fields)
}

// WithError creates a log entry with an error field
func (l *Logger) WithError(err error) *LogEntry {
	return (&LogEntry{logger: l}).WithError(err)
}

// LogEntry represents a log entry with fields
type LogEntry struct {
	logger *Logger
	fields []Field
}

// WithField adds a field to the log entry
func (e *LogEntry) WithField(key string, value interface{}) *LogEntry {
	e.fields = append(e.fields, Field{Key: key, Value: value})
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]interface{}) *LogEntry {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.fields = append(e.fields, Field{Key: k, Value: fields[k]})
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	value := "<nil>"
	if err != nil {
		value = err.Error()
	}
	e.fields = append(e.fields, Field{Key: "error", Value: value})
	return e
}

func (e *LogEntry) Debug(args ...interface{}) { e.logger.log(DEBUG, fmt.Sprint(args...), e.fields) }
func (e *LogEntry) Info(args ...interface{})  { e.logger.log(INFO, fmt.Sprint(args...), e.fields) }
func (e *LogEntry) Warn(args ...interface{})  { e.logger.log(WARN, fmt.Sprint(args...), e.fields) }
func (e *LogEntry) Error(args ...interface{}) { e.logger.log(ERROR, fmt.Sprint(args...), e.fields) }

func (e *LogEntry) Debugf(format string, args ...interface{}) {
	e.logger.log(DEBUG, fmt.Sprintf(format, args...), e.fields)
}

func (e *LogEntry) Infof(format string, args ...interface{}) {
	e.logger.log(INFO, fmt.Sprintf(format, args...), e.fields)
}

func (e *LogEntry) Warnf(format string, args ...interface{}) {
	e.logger.log(WARN, fmt.Sprintf(format, args...), e.fields)
}

func (e *LogEntry) Errorf(format string, args ...interface{}) {
	e.logger.log(ERROR, fmt.Sprintf(format, args...), e.fields)
}

// Global convenience functions

// WithField creates a logger entry with a single field
func WithField(key string, value interface{}) *LogEntry {
	return GetLogger().WithField(key, value)
}

// WithFields creates a logger entry with multiple fields
func WithFields(fields map[string]interface{}) *LogEntry {
	return GetLogger().WithFields(fields)
}

// WithError creates a logger entry with an error field
func WithError(err error) *LogEntry {
	return GetLogger().WithError(err)
}

func Debugf(format string, args ...interface{}) {
	GetLogger().log(DEBUG, fmt.Sprintf(format, args...), nil)
}

func Infof(format string, args ...interface{}) {
	GetLogger().log(INFO, fmt.Sprintf(format, args...), nil)
}

func Warnf(format string, args ...interface{}) {
	GetLogger().log(WARN, fmt.Sprintf(format, args...), nil)
}

func Errorf(format string, args ...interface{}) {
	GetLogger().log(ERROR, fmt.Sprintf(format, args...), nil)
}

// Close stops rotation and closes the log file.
func (l *Logger) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileWriter == nil {
		return nil
	}
	err := l.fileWriter.Close()
	l.replaceOutput(l.fileWriter, nil)
	l.fileWriter = nil
	return err
}

// Level returns the minimum level written.
func (l *Logger) Level() LogLevel {
	return l.level
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...), nil)
}
