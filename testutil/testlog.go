package testutil

import (
	"io"
	"log"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
)

// TestLogger returns an hclog logger that routes through t.Log.
func TestLogger(t testing.TB) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Output: &testWriter{t},
		Name:   "test: ",
	})
}

// TestLoggerWithName names the logger, which helps when a test runs
// several nodes.
func TestLoggerWithName(t testing.TB, name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Output: &testWriter{t},
		Name:   "test[" + name + "]: ",
	})
}

// Logger returns a stdlib logger that routes through t.Log.
func Logger(t testing.TB) *log.Logger {
	return log.New(&testWriter{t}, "", log.LstdFlags)
}

// TestWriter returns an io.Writer that routes through t.Log.
func TestWriter(t testing.TB) io.Writer {
	return &testWriter{t}
}

type testWriter struct {
	t testing.TB
}

func (tw *testWriter) Write(p []byte) (n int, err error) {
	tw.t.Helper()
	tw.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}
