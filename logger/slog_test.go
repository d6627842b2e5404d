package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"
)

func TestSLogLoggerAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := NewSLogLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	l.Debug("hidden")
	l.Info("access decision",
		"user_id", "u1",
		"granted", true,
		"risk", 0.3,
		"ip", net.ParseIP("10.0.0.1"),
		"elapsed", 2*time.Millisecond,
		"error", errors.New("boom"),
		"dangling")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["msg"] != "access decision" || rec["user_id"] != "u1" || rec["granted"] != true {
		t.Fatalf("unexpected record %v", rec)
	}
	if rec["ip"] != "10.0.0.1" || rec["error"] != "boom" || rec["!BADKEY"] != "dangling" {
		t.Fatalf("unexpected record %v", rec)
	}
	if rec["elapsed"] != float64(2*time.Millisecond) {
		t.Fatalf("elapsed = %v", rec["elapsed"])
	}
}
