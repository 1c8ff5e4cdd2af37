// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package logging builds the logrus logger shared by the engine components.
//
// The text format prints one line per entry with a short level tag, the
// caller, the message and the structured fields sorted by key:
//
//	[15:04:05 UTC 2006/01/02] [INFO] (resolve.go:discard.(*Discarder).rollback:97) rolled back aborted transaction from=0/58 log=0 to=0/0 xid=3
//
// The json format uses logrus' JSON formatter.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kianostad/undodiscard/internal/config"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const timestampFormat = "15:04:05 MST 2006/01/02"

// New creates a logger from cfg. The returned closer releases the output
// file, if any.
func New(cfg config.Log) (*logrus.Logger, io.Closer, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, errors.Wrap(err, "log level")
	}

	l := logrus.New()
	l.SetLevel(level)
	l.SetReportCaller(true)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		l.SetFormatter(&TextFormatter{})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	default:
		return nil, nil, errors.Errorf("unknown log format %q", cfg.Format)
	}

	var closer io.Closer = nopCloser{}
	switch cfg.Output {
	case "", "stderr":
		l.SetOutput(os.Stderr)
	case "stdout":
		l.SetOutput(os.Stdout)
	default:
		f, err := openLogFile(cfg.Output)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "open log file %s", cfg.Output)
		}
		l.SetOutput(f)
		closer = f
	}
	return l, closer, nil
}

// Discard returns a logger that drops everything. Tests and tools use it.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// TextFormatter formats entries as single human readable lines.
type TextFormatter struct{}

// Format implements logrus.Formatter.
func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "[%s] [%s] (%s) %s",
		entry.Time.Format(timestampFormat),
		level,
		caller(entry),
		entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// caller formats the frame logrus recorded for entry.
func caller(entry *logrus.Entry) string {
	if !entry.HasCaller() {
		return "unknown:unknown:0"
	}
	fn := entry.Caller.Function
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	return fmt.Sprintf("%s:%s:%d", filepath.Base(entry.Caller.File), fn, entry.Caller.Line)
}
