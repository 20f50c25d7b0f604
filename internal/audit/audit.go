// Package audit keeps an append-only JSONL trail of control-path decisions:
// rejected callers and state-changing operations on the agent.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-offline/internal/shared"
)

const (
	Allow = "allow"
	Deny  = "deny"
	// Fail marks an accepted call whose operation returned an error.
	Fail = "fail"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Operation string `json:"operation"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

// Init opens <homeDir>/logs/audit.jsonl. Records before Init only count.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of rejected control calls since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one decision. Reason and subject are redacted first.
func Record(decision, operation, reason, subject, traceID string) {
	if decision == Deny {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		Operation: operation,
		Reason:    reason,
		Subject:   subject,
		TraceID:   traceID,
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
