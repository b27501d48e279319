package limbo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wonderland/bridge/internal/logger"
)

// AuditEventType represents the type of admission audit event
type AuditEventType string

const (
	// AuditEventAdmitted is logged when a connecting observer is let in
	AuditEventAdmitted AuditEventType = "observer_admitted"
	// AuditEventDenied is logged when a connecting observer is turned away
	AuditEventDenied AuditEventType = "observer_denied"
	// AuditEventDecision is logged when a decision is recorded in the ledger
	AuditEventDecision AuditEventType = "decision_recorded"
)

// AuditEvent is one admission record
type AuditEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      AuditEventType `json:"type"`
	Peer      string         `json:"peer"`
	Verdict   Verdict        `json:"verdict"`
	// Fallback is set when the verdict came from the default policy
	Fallback bool   `json:"fallback,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Source   Source `json:"source,omitempty"`
	CommID   string `json:"comm_id,omitempty"`
	// PeerPID is the connecting process id from socket credentials, if known
	PeerPID int32 `json:"peer_pid,omitempty"`
}

// AuditLogger writes admission events to the structured log and,
// optionally, to a JSON-lines file
type AuditLogger struct {
	logger *logger.Logger
	mu     sync.Mutex
	file   *os.File
	path   string
	closed bool
}

// NewAuditLogger creates an audit logger. An empty path logs only to log.
func NewAuditLogger(log *logger.Logger, path string) (*AuditLogger, error) {
	if log == nil {
		log = logger.Global()
	}

	al := &AuditLogger{
		logger: log.With("component", "limbo_audit"),
		path:   path,
	}

	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		al.file = file
	}

	return al, nil
}

// LogEvent records an audit event
func (al *AuditLogger) LogEvent(event AuditEvent) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if al.closed {
		return fmt.Errorf("audit logger is closed")
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	al.logger.Info("audit_event",
		"id", event.ID,
		"type", string(event.Type),
		"peer", event.Peer,
		"verdict", event.Verdict.String(),
		"fallback", event.Fallback,
		"reason", event.Reason,
		"comm_id", event.CommID,
	)

	if al.file == nil {
		return nil
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	if _, err := al.file.Write(append(line, '\n')); err != nil {
		al.logger.Error("Failed to write audit event to file", "error", err)
		return fmt.Errorf("failed to write audit event to file: %w", err)
	}
	return nil
}

// LogAdmission records the outcome of admitting peer
func (al *AuditLogger) LogAdmission(peer Peer, decision Decision, admitted bool, commID string, pid int32) error {
	event := AuditEvent{
		Type:     AuditEventDenied,
		Peer:     peer.String(),
		Verdict:  decision.Verdict,
		Fallback: decision.Verdict == VerdictUnknown,
		Reason:   decision.Reason,
		CommID:   commID,
		PeerPID:  pid,
	}
	if admitted {
		event.Type = AuditEventAdmitted
	}
	return al.LogEvent(event)
}

// LogDecision records a decision written into the ledger
func (al *AuditLogger) LogDecision(peer Peer, verdict Verdict, reason string, source Source) error {
	return al.LogEvent(AuditEvent{
		Type:    AuditEventDecision,
		Peer:    peer.String(),
		Verdict: verdict,
		Reason:  reason,
		Source:  source,
	})
}

// Path returns the audit file path, or "" when file output is off
func (al *AuditLogger) Path() string {
	return al.path
}

// Close closes the audit file
func (al *AuditLogger) Close() error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if al.closed {
		return nil
	}
	al.closed = true

	if al.file != nil {
		if err := al.file.Close(); err != nil {
			return fmt.Errorf("failed to close audit file: %w", err)
		}
		al.file = nil
	}
	return nil
}
