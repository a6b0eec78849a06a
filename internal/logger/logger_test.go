package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/gpuwatch/internal/config"
)

// captured returns a logger writing into a buffer.
func captured(t *testing.T, level, format string) (*Logger, *bytes.Buffer) {
	t.Helper()
	l, err := NewLogger(&config.LogConfig{Level: level, Format: format, Output: "stderr"}, "tui")
	require.NoError(t, err)
	buf := &bytes.Buffer{}
	l.outputs = []io.Writer{buf}
	return l, buf
}

func TestNewLogger(t *testing.T) {
	t.Run("Initialize with stderr output", func(t *testing.T) {
		logger, err := NewLogger(&config.LogConfig{Level: "debug", Format: "json", Output: "stderr"}, "tui")
		require.NoError(t, err)
		assert.Equal(t, DEBUG, logger.Level())
		assert.Equal(t, []io.Writer{os.Stderr}, logger.outputs)
	})

	t.Run("Initialize with file output", func(t *testing.T) {
		tmpDir := t.TempDir()
		logger, err := NewLogger(&config.LogConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			Directory:  tmpDir,
			MaxSize:    1,
			MaxBackups: 2,
			MaxAge:     1,
		}, "export")
		require.NoError(t, err)

		logger.Infof("test message")
		require.NoError(t, logger.Close())

		logFile := filepath.Join(tmpDir, FileName("export", time.Now().Format(dateLayout)))
		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "INFO test message")
	})

	t.Run("Initialize with both outputs", func(t *testing.T) {
		logger, err := NewLogger(&config.LogConfig{
			Level:     "warn",
			Format:    "json",
			Output:    "both",
			Directory: t.TempDir(),
		}, "tui")
		require.NoError(t, err)
		defer logger.Close()

		assert.Equal(t, WARN, logger.level)
		assert.Len(t, logger.outputs, 2)
	})

	t.Run("File output needs a directory", func(t *testing.T) {
		_, err := NewLogger(&config.LogConfig{Output: "file"}, "tui")
		assert.Error(t, err)
	})
}

func TestLogLevels(t *testing.T) {
	logger, buf := captured(t, "debug", "text")

	logger.Debugf("debug %d", 1)
	logger.Infof("info %d", 2)
	logger.Warnf("warn %d", 3)
	logger.Errorf("error %d", 4)

	out := buf.String()
	for _, want := range []string{"DEBUG debug 1", "INFO info 2", "WARN warn 3", "ERROR error 4"} {
		assert.Contains(t, out, want)
	}
}

func TestLogLevelFiltering(t *testing.T) {
	logger, buf := captured(t, "warn", "text")

	logger.Debugf("hidden")
	logger.Infof("hidden too")
	logger.Warnf("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
}

func TestLogFormats(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		logger, buf := captured(t, "info", "json")
		logger.WithField("pdev", "0000:03:00.0").Infof(`quote " and newline %s`, "\n")

		var record map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "INFO", record["level"])
		assert.Equal(t, "quote \" and newline \n", record["msg"])
		assert.Equal(t, "0000:03:00.0", record["pdev"])
		assert.NotEmpty(t, record["time"])
	})

	t.Run("text", func(t *testing.T) {
		logger, buf := captured(t, "info", "text")
		logger.WithField("pid", 42).Info("sampled")
		assert.Regexp(t, `^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] INFO sampled pid=42\n$`, buf.String())
	})
}

func TestLogWithFields(t *testing.T) {
	logger, buf := captured(t, "info", "text")

	logger.WithFields(map[string]interface{}{"b": 2, "a": 1}).Info("fields")
	assert.Contains(t, buf.String(), "fields a=1 b=2")
}

func TestLogWithError(t *testing.T) {
	logger, buf := captured(t, "info", "text")

	logger.WithError(errors.New("ioctl failed")).Error("refresh")
	logger.WithError(nil).Warn("nothing")

	assert.Contains(t, buf.String(), "ERROR refresh error=ioctl failed")
	assert.Contains(t, buf.String(), "WARN nothing error=<nil>")
}

func TestLogEntryChaining(t *testing.T) {
	logger, buf := captured(t, "debug", "text")

	logger.WithField("device", 0).
		WithField("cycle", 7).
		WithError(fmt.Errorf("wrapped: %w", os.ErrPermission)).
		Debugf("skipped %s", "memory")

	assert.Contains(t, buf.String(), "DEBUG skipped memory device=0 cycle=7 error=wrapped: permission denied")
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", DEBUG.String())
	assert.Equal(t, "INFO", INFO.String())
	assert.Equal(t, "WARN", WARN.String())
	assert.Equal(t, "ERROR", ERROR.String())
	assert.Equal(t, "FATAL", FATAL.String())
	assert.Equal(t, "UNKNOWN", LogLevel(99).String())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"Warn":    WARN,
		"error":   ERROR,
		"fatal":   FATAL,
		"":        INFO,
		"bogus":   INFO,
	}
	for input, want := range tests {
		assert.Equal(t, want, parseLevel(input), input)
	}
}

func TestGlobalLogger(t *testing.T) {
	require.NoError(t, InitLogger(&config.LogConfig{Level: "error", Output: "stderr"}, "tui"))
	assert.Equal(t, ERROR, GetLogger().Level())

	// 全局函数不应 panic
	Debugf("ignored")
	WithField("k", "v").Debugf("ignored")
}

func TestLogStreamReceivesEntries(t *testing.T) {
	stream := GetLogStream()
	ch := stream.Subscribe()
	defer stream.Unsubscribe(ch)

	logger, _ := captured(t, "info", "text")
	logger.WithField("pdev", "0000:03:00.0").Warnf("no memory query")

	select {
	case entry := <-ch:
		assert.Equal(t, "WARN", entry.Level)
		assert.Equal(t, "no memory query", entry.Message)
		assert.Equal(t, "0000:03:00.0", entry.Fields["pdev"])
	case <-time.After(time.Second):
		t.Fatal("entry was not streamed")
	}
}

func TestLogRotationBySize(t *testing.T) {
	tmpDir := t.TempDir()
	logger, err := NewLogger(&config.LogConfig{
		Level:      "info",
		Output:     "file",
		Directory:  tmpDir,
		MaxSize:    1,
		MaxBackups: 5,
	}, "tui")
	require.NoError(t, err)
	defer logger.Close()

	logger.Infof("before rotation")
	logger.mu.Lock()
	logger.currentSize = 2 * 1024 * 1024
	logger.mu.Unlock()

	logger.checkRotation()
	logger.Infof("after rotation")

	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var backup string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "-size.log") {
			backup = e.Name()
		}
	}
	require.NotEmpty(t, backup, "a size backup should exist")

	data, err := os.ReadFile(filepath.Join(tmpDir, backup))
	require.NoError(t, err)
	assert.Contains(t, string(data), "before rotation")
	assert.NotContains(t, string(data), "after rotation")
}

func TestLogRotationByDate(t *testing.T) {
	tmpDir := t.TempDir()
	logger, err := NewLogger(&config.LogConfig{Output: "file", Directory: tmpDir}, "tui")
	require.NoError(t, err)
	defer logger.Close()

	tomorrow := time.Now().AddDate(0, 0, 1)
	logger.mu.Lock()
	logger.now = func() time.Time { return tomorrow }
	logger.mu.Unlock()

	logger.checkRotation()
	logger.Infof("new day")

	data, err := os.ReadFile(filepath.Join(tmpDir, FileName("tui", tomorrow.Format(dateLayout))))
	require.NoError(t, err)
	assert.Contains(t, string(data), "new day")
}

func TestCleanOldBackups(t *testing.T) {
	tmpDir := t.TempDir()
	logger, err := NewLogger(&config.LogConfig{Output: "file", Directory: tmpDir, MaxAge: 7, MaxBackups: 1}, "tui")
	require.NoError(t, err)
	defer logger.Close()

	today := time.Now()
	old := today.AddDate(0, 0, -30).Format(dateLayout)
	recent := today.Format(dateLayout)
	names := []string{
		"gpuwatch-tui-" + old + "-20000101-000000-size.log",
		"gpuwatch-tui-" + recent + "-20990101-000000-size.log",
		"gpuwatch-tui-" + recent + "-20990101-000001-size.log",
		"gpuwatch-export-" + old + "-20000101-000000-size.log",
	}
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, name), nil, 0644))
	}

	logger.mu.Lock()
	logger.cleanOldBackups()
	logger.mu.Unlock()

	_, err = os.Stat(filepath.Join(tmpDir, names[0]))
	assert.True(t, os.IsNotExist(err), "expired backup removed")
	_, err = os.Stat(filepath.Join(tmpDir, names[1]))
	assert.True(t, os.IsNotExist(err), "oldest over the backup limit removed")
	assert.FileExists(t, filepath.Join(tmpDir, names[2]))
	assert.FileExists(t, filepath.Join(tmpDir, names[3]), "other modes untouched")
	assert.FileExists(t, filepath.Join(tmpDir, FileName("tui", recent)))
}

func TestConcurrency(t *testing.T) {
	logger, buf := captured(t, "info", "text")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				logger.WithField("goroutine", id).Infof("line %d", j)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 200, strings.Count(buf.String(), "\n"))
}

func TestCloseIsIdempotent(t *testing.T) {
	logger, err := NewLogger(&config.LogConfig{Output: "file", Directory: t.TempDir()}, "tui")
	require.NoError(t, err)
	require.NoError(t, logger.Close())
	assert.NoError(t, logger.Close())
}
