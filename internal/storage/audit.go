// Package storage keeps the local audit trail of token sessions.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vocdoni/gofirma/tokensign/internal/logging"
)

const auditFileName = "audit.jsonl"

type AuditEvent string

const (
	EventLogin           AuditEvent = "login"
	EventLoginFailed     AuditEvent = "login_failed"
	EventLogout          AuditEvent = "logout"
	EventRevocationCheck AuditEvent = "revocation_check"
)

// AuditEntry never carries PINs or key material.
type AuditEntry struct {
	Timestamp         string     `json:"timestamp"`
	Event             AuditEvent `json:"event"`
	SessionID         string     `json:"sessionId,omitempty"`
	LibraryPath       string     `json:"libraryPath,omitempty"`
	TokenSerial       string     `json:"tokenSerial,omitempty"`
	Provider          string     `json:"provider,omitempty"`
	CertificateSerial string     `json:"certificateSerial,omitempty"`
	CertFingerprint   string     `json:"certFingerprint,omitempty"`
	Revoked           *bool      `json:"revoked,omitempty"`
	Error             string     `json:"error,omitempty"`
}

// AuditLogger appends entries to a JSON lines file.
type AuditLogger struct {
	mu       sync.Mutex
	filePath string
	log      *logging.Logger
}

func NewAuditLogger(dir string, log *logging.Logger) (*AuditLogger, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if log == nil {
		log = logging.Discard()
	}
	return &AuditLogger{
		filePath: filepath.Join(dir, auditFileName),
		log:      log,
	}, nil
}

func (l *AuditLogger) Path() string {
	return l.filePath
}

func (l *AuditLogger) Log(entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Timestamp = time.Now().Format(time.RFC3339)
	l.log.Debugf("audit log entry: event=%s session=%s token=%s", entry.Event, entry.SessionID, entry.TokenSerial)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(l.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	return nil
}

// ReadAll returns every readable entry, oldest first. Corrupt lines are
// skipped.
func (l *AuditLogger) ReadAll() ([]AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []AuditEntry{}, nil
		}
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	entries := []AuditEntry{}
	for line := range bytes.Lines(data) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var entry AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			l.log.Debugf("skipping corrupt audit line: %v", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
