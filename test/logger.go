// Package test holds helpers shared by the tests of the other packages.
package test

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger that is silent unless TEST_LOGS is set. TEST_LOGS=2
// enables debug and TEST_LOGS=3 trace output.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// LogEntries collects every entry logged through the logger it was added to.
type LogEntries struct {
	mu      sync.Mutex
	entries []logrus.Entry
}

// NewCapturingLogger returns a debug level logger whose entries are recorded
// in the returned LogEntries. Output still follows TEST_LOGS.
func NewCapturingLogger() (*logrus.Logger, *LogEntries) {
	l := NewLogger()
	if l.GetLevel() < logrus.DebugLevel {
		l.SetLevel(logrus.DebugLevel)
	}
	e := &LogEntries{}
	l.AddHook(e)
	return l, e
}

func (e *LogEntries) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (e *LogEntries) Fire(entry *logrus.Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *entry
	cp.Data = make(logrus.Fields, len(entry.Data))
	for k, v := range entry.Data {
		cp.Data[k] = v
	}
	e.entries = append(e.entries, cp)
	return nil
}

// At returns the recorded entries at the given level.
func (e *LogEntries) At(level logrus.Level) []logrus.Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []logrus.Entry
	for _, entry := range e.entries {
		if entry.Level == level {
			out = append(out, entry)
		}
	}
	return out
}

// Messages returns the message of every recorded entry in order.
func (e *LogEntries) Messages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.entries))
	for i, entry := range e.entries {
		out[i] = entry.Message
	}
	return out
}
