package logger_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leandrodaf/midibridge/internal/logger"
	"github.com/leandrodaf/midibridge/sdk/contracts"
)

func TestZapLogger_Levels(t *testing.T) {
	t.Run("Drops debug messages at info level", func(t *testing.T) {
		var buf bytes.Buffer
		log := logger.NewWriterLogger(&buf)
		log.Debug("hidden")
		log.Info("shown")

		assertNotContains(t, buf.String(), "hidden")
		assertContains(t, buf.String(), "shown")
	})

	t.Run("Emits debug messages after SetLevel", func(t *testing.T) {
		var buf bytes.Buffer
		log := logger.NewWriterLogger(&buf)
		log.SetLevel(contracts.DebugLevel)
		log.Debug("visible now")

		assertContains(t, buf.String(), "visible now")
	})

	t.Run("Silences warnings at error level", func(t *testing.T) {
		var buf bytes.Buffer
		log := logger.NewWriterLogger(&buf)
		log.SetLevel(contracts.ErrorLevel)
		log.Warn("quiet")
		log.Error("loud")

		assertNotContains(t, buf.String(), "quiet")
		assertContains(t, buf.String(), "loud")
	})
}

func TestZapLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWriterLogger(&buf)

	log.Info("note captured",
		log.Field().Int("pitch", 60),
		log.Field().String("port", "IAC Bus 1"),
		log.Field().Duration("latency", 15*time.Millisecond),
		log.Field().Error("error", errors.New("boom")),
		log.Field().Bool("thru", true),
	)

	out := buf.String()
	for _, want := range []string{`"pitch":60`, `"port":"IAC Bus 1"`, `"latency"`, `"error":"boom"`, `"thru":true`, `"caller"`} {
		assertContains(t, out, want)
	}
}

func TestZapLogger_SetDestination(t *testing.T) {
	t.Run("Writes to a file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bridge.log")
		log := logger.NewZapLogger()
		log.SetDestination(contracts.FileLog, path)
		log.Info("into the file")
		log.SetDestination(contracts.ConsoleLog)

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("could not read log file: %v", err)
		}
		assertContains(t, string(data), "into the file")
	})

	t.Run("Nop logger ignores destinations", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nop.log")
		log := logger.NewNopLogger()
		log.SetDestination(contracts.FileLog, path)
		log.Info("nothing")

		data, _ := os.ReadFile(path)
		if len(data) != 0 {
			t.Errorf("expected empty file, got %q", data)
		}
	})
}

func assertContains(t *testing.T, full, want string) {
	t.Helper()
	if !strings.Contains(full, want) {
		t.Errorf("did not find %q in %q", want, full)
	}
}

func assertNotContains(t *testing.T, full, unwanted string) {
	t.Helper()
	if strings.Contains(full, unwanted) {
		t.Errorf("found unexpected %q in %q", unwanted, full)
	}
}
