// Package logging provides the level-gated log sinks of a rank: one logrus
// entry per worker plus the master slot, tagged with rank, worker and run.
package logging

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/episim/episim/sim/team"
)

// ParseLevel maps a level name to a logrus level. "critical" is an alias
// of fatal without exiting the process.
func ParseLevel(s string) (logrus.Level, error) {
	if strings.EqualFold(s, "critical") {
		return logrus.FatalLevel, nil
	}
	return logrus.ParseLevel(s)
}

// errorHook counts entries at error level and above.
type errorHook struct {
	count atomic.Int64
}

func (h *errorHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
}

func (h *errorHook) Fire(*logrus.Entry) error {
	h.count.Add(1)
	return nil
}

// Sinks are the log streams of one rank.
type Sinks struct {
	hook  *errorHook
	slots *team.ThreadContext[*logrus.Entry]
}

// Config describes the sinks of a rank.
type Config struct {
	Out   io.Writer
	Level logrus.Level
	Rank  int
	RunID string
}

// New returns sinks for a team of workers workers.
func New(cfg Config, workers int) *Sinks {
	logger := logrus.New()
	if cfg.Out != nil {
		logger.SetOutput(cfg.Out)
	}
	logger.SetLevel(cfg.Level)
	hook := &errorHook{}
	logger.AddHook(hook)

	s := &Sinks{hook: hook, slots: team.NewThreadContext[*logrus.Entry](workers)}
	base := logger.WithFields(logrus.Fields{"rank": cfg.Rank, "run": cfg.RunID})
	for i := range s.slots.Workers() {
		s.slots.Workers()[i] = base.WithField("thread", i)
	}
	*s.slots.Master() = base.WithField("thread", "master")
	return s
}

// Entry returns the entry of w, or the master entry when w is nil.
func (s *Sinks) Entry(w *team.Worker) *logrus.Entry {
	if w == nil {
		return *s.slots.Master()
	}
	return *s.slots.Active(w)
}

// Master returns the master entry.
func (s *Sinks) Master() *logrus.Entry { return *s.slots.Master() }

// HasErrors reports whether anything was logged at error level or above.
func (s *Sinks) HasErrors() bool { return s.hook.count.Load() > 0 }

// Release frees the per-worker entries.
func (s *Sinks) Release() { s.slots.Release() }

// Stream is a stream-style writer bound to one level of one slot.
type Stream struct {
	entry *logrus.Entry
	level logrus.Level
}

// Printf logs the formatted message at the stream's level.
func (st Stream) Printf(format string, args ...any) {
	st.entry.Log(st.level, fmt.Sprintf(format, args...))
}

// Enabled reports whether messages of the stream are emitted.
func (st Stream) Enabled() bool { return st.entry.Logger.IsLevelEnabled(st.level) }

// Write implements io.Writer; each call logs one message without the
// trailing newline.
func (st Stream) Write(p []byte) (int, error) {
	st.entry.Log(st.level, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (s *Sinks) stream(w *team.Worker, level logrus.Level) Stream {
	return Stream{entry: s.Entry(w), level: level}
}

func (s *Sinks) Trace(w *team.Worker) Stream { return s.stream(w, logrus.TraceLevel) }
func (s *Sinks) Debug(w *team.Worker) Stream { return s.stream(w, logrus.DebugLevel) }
func (s *Sinks) Info(w *team.Worker) Stream  { return s.stream(w, logrus.InfoLevel) }
func (s *Sinks) Warn(w *team.Worker) Stream  { return s.stream(w, logrus.WarnLevel) }
func (s *Sinks) Error(w *team.Worker) Stream { return s.stream(w, logrus.ErrorLevel) }

// Critical logs at fatal level. Unlike logrus Fatal it does not exit; the
// caller aborts the run.
func (s *Sinks) Critical(w *team.Worker) Stream { return s.stream(w, logrus.FatalLevel) }
