// Package common provides the logging and error infrastructure shared by the
// hut orchestration service.
//
// Logging is built on logrus. The global Logger routes error-level entries to
// stderr and everything else to stdout so container runtimes and log
// shippers can treat the two streams differently.
package common

import (
	"bytes"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log entries by level: entries containing
// "level=error" (text format) or "\"level\":\"error\"" (JSON format) go to
// Err, all others to Out. Nil writers fall back to os.Stderr / os.Stdout.
//
// Example Usage:
//
//	logger := logrus.New()
//	logger.SetOutput(&OutputSplitter{})
type OutputSplitter struct {
	Out io.Writer
	Err io.Writer
}

var (
	textErrorLevel = []byte("level=error")
	jsonErrorLevel = []byte(`"level":"error"`)
)

// Write implements io.Writer.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, textErrorLevel) || bytes.Contains(p, jsonErrorLevel) {
		if splitter.Err != nil {
			return splitter.Err.Write(p)
		}
		return os.Stderr.Write(p)
	}
	if splitter.Out != nil {
		return splitter.Out.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger. NewLogger configures a separate
// instance; ConfigureGlobal applies a LoggerConfig to this one.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
