package telemetry

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := vec.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRecordIncrementsRequestsTotalByStatus(t *testing.T) {
	s := NewSink(Config{})
	s.Record(AttemptEvent{RequestID: "r1", Outcome: "success", LatencyMs: 120})
	s.Record(AttemptEvent{RequestID: "r2", Outcome: "rate_limit", LatencyMs: 50})

	if got := counterValue(t, s.requestsTotal, "success"); got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := counterValue(t, s.requestsTotal, "rate_limit"); got != 1 {
		t.Fatalf("expected 1 rate_limit, got %v", got)
	}
}

func TestRecordRedactsErrorBeforeLogging(t *testing.T) {
	dir := t.TempDir()
	s := NewSink(Config{Dir: dir, SegmentMaxAge: time.Millisecond})
	s.Record(AttemptEvent{RequestID: "r1", Outcome: "auth_failure", Error: "cookie sso=abc expired", LatencyMs: 10})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var found bool
	var contents []byte
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			found = true
			f, openErr := os.Open(path)
			if openErr != nil {
				t.Fatalf("open segment: %v", openErr)
			}
			defer f.Close()
			dec, decErr := zstd.NewReader(f)
			if decErr != nil {
				t.Fatalf("open zstd reader: %v", decErr)
			}
			defer dec.Close()
			b, readErr := io.ReadAll(dec)
			if readErr != nil {
				t.Fatalf("read segment: %v", readErr)
			}
			contents = append(contents, b...)
		}
		return nil
	})
	if !found {
		t.Fatal("expected a segment file to be written")
	}
	if bytes.Contains(contents, []byte("sso=abc")) {
		t.Fatal("expected the cookie value to be redacted from the segment")
	}
	if !bytes.Contains(contents, []byte(redactedMarker)) {
		t.Fatalf("expected the redaction marker in the segment, got %q", contents)
	}
}

func TestRecordWithoutDirSkipsDiskLogging(t *testing.T) {
	s := NewSink(Config{})
	s.Record(AttemptEvent{RequestID: "r1", Outcome: "success", LatencyMs: 10})
	if s.writer != nil {
		t.Fatal("expected no segment writer when Dir is empty")
	}
}

func TestSetActiveSessionsZeroesMissingStatuses(t *testing.T) {
	s := NewSink(Config{})
	s.SetActiveSessions(map[string]int{"healthy": 3})
	m := &dto.Metric{}
	_ = s.activeSessions.WithLabelValues("quarantined").Write(m)
	if m.GetGauge().GetValue() != 0 {
		t.Fatalf("expected quarantined gauge to be 0, got %v", m.GetGauge().GetValue())
	}
}

func TestRecordRotationIncrementsByReason(t *testing.T) {
	s := NewSink(Config{})
	s.RecordRotation("quarantine_failure_rate")
	if got := counterValue(t, s.sessionRotations, "quarantine_failure_rate"); got != 1 {
		t.Fatalf("expected 1 rotation, got %v", got)
	}
}
