// Package telemetry is the Telemetry Sink: it emits one structured, redacted
// event per upstream attempt, exports the prometheus counters §4.6 names,
// and persists attempt history as a rolling zstd-compressed JSONL log.
package telemetry

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"time"
)

// AttemptEvent is one attempt's redacted record, as emitted by the
// resilience coordinator immediately after classifying an outcome.
type AttemptEvent struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
	Attempt   int       `json:"attempt"`
	SessionID string    `json:"session_id,omitempty"`
	Outcome   string    `json:"outcome"`
	Status    int       `json:"status,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
}

const defaultSegmentMaxAge = time.Hour
const errorSnippetMaxLen = 256

// Sink is the process-wide telemetry handle: one per running proxy,
// constructed once and shared by the resilience coordinator and the session
// pool.
type Sink struct {
	*Metrics

	mu            sync.Mutex
	dir           string
	segmentMaxAge time.Duration
	writer        *segmentWriter
	writerHour    string
}

// Config controls where attempt history is persisted. Dir may be empty, in
// which case attempt events update metrics only and are not logged to disk —
// useful for tests and for ephemeral/serverless deployments.
type Config struct {
	Dir           string
	SegmentMaxAge time.Duration
}

func NewSink(cfg Config) *Sink {
	maxAge := cfg.SegmentMaxAge
	if maxAge <= 0 {
		maxAge = defaultSegmentMaxAge
	}
	return &Sink{Metrics: newMetrics(), dir: cfg.Dir, segmentMaxAge: maxAge}
}

// Record emits evt to the counters and, if disk logging is enabled, appends
// it to the open segment. Errors writing the attempt log are swallowed: a
// telemetry-write failure must never fail the inbound request it describes.
func (s *Sink) Record(evt AttemptEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Error = RedactSnippet(evt.Error, errorSnippetMaxLen)

	s.observeAttempt(evt.Outcome, float64(evt.LatencyMs)/1000)
	s.appendLocked(evt)
}

// RecordRotation emits one session_rotations_total increment for a status
// transition the session pool just applied.
func (s *Sink) RecordRotation(reason string) {
	s.recordRotation(reason)
}

func (s *Sink) appendLocked(evt AttemptEvent) {
	if s.dir == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	hour := evt.Timestamp.Format("2006010215")
	if s.writer != nil && s.writerHour != hour {
		_ = s.writer.close()
		s.writer = nil
	}
	if s.writer == nil {
		w, err := newSegmentWriter(filepath.Join(s.dir, evt.Timestamp.Format("2006/01/02/15")))
		if err != nil {
			return
		}
		s.writer = w
		s.writerHour = hour
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return
	}
	_ = s.writer.writeLine(line, evt.Timestamp)
	if s.writer.shouldRotate(s.segmentMaxAge) {
		_ = s.writer.close()
		s.writer = nil
		s.writerHour = ""
	}
}

// Close flushes and renames any open segment into place. Call once on
// shutdown.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	err := s.writer.close()
	s.writer = nil
	s.writerHour = ""
	return err
}
