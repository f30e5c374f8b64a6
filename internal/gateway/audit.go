package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mew-proto/mew/internal/envelope"
)

// AuditLog appends JSON-Lines records to two rolling files — an envelope
// history and a capability-decision log — per SPEC_FULL.md §4.1.4. Grounded
// on logging.SessionLogger's file-plus-mutex idiom, generalized from one
// free-form text stream into two structured, independently-rotated ones.
type AuditLog struct {
	dir          string
	rotateBytes  int64
	envelopesOn  bool
	decisionsOn  bool

	mu          sync.Mutex
	envelopes   *os.File
	envelopeLen int64

	decMu    sync.Mutex
	decFile  *os.File
	decLen   int64
}

// OpenAuditLog creates dir if needed and opens both rolling files,
// honoring the envelope_history / capability_decisions switches.
func OpenAuditLog(dir string, rotateBytes int64, envelopesOn, decisionsOn bool) (*AuditLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	a := &AuditLog{dir: dir, rotateBytes: rotateBytes, envelopesOn: envelopesOn, decisionsOn: decisionsOn}

	if envelopesOn {
		f, n, err := openRotating(filepath.Join(dir, "envelope-history.jsonl"))
		if err != nil {
			return nil, err
		}
		a.envelopes, a.envelopeLen = f, n
	}
	if decisionsOn {
		f, n, err := openRotating(filepath.Join(dir, "capability-decisions.jsonl"))
		if err != nil {
			return nil, err
		}
		a.decFile, a.decLen = f, n
	}
	return a, nil
}

func openRotating(path string) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open audit file %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// envelopeRecord is one line of envelope-history.jsonl, matching §6.3's
// schema: {event, envelope_id, ts, from, to, kind, reason?}.
type envelopeRecord struct {
	Event      string    `json:"event"`
	EnvelopeID string    `json:"envelope_id"`
	Ts         time.Time `json:"ts"`
	From       string    `json:"from"`
	To         []string  `json:"to,omitempty"`
	Kind       string    `json:"kind"`
	Reason     string    `json:"reason,omitempty"`
}

// RecordEnvelope appends a "delivered" record for env to the envelope
// history, a no-op when envelope history is disabled (§6.3).
func (a *AuditLog) RecordEnvelope(env *envelope.Envelope) error {
	return a.recordEnvelopeEvent("delivered", env, "")
}

// RecordRejectedEnvelope appends a "rejected" record, used when an
// envelope fails validation or capability checks before routing.
func (a *AuditLog) RecordRejectedEnvelope(env *envelope.Envelope, reason string) error {
	return a.recordEnvelopeEvent("rejected", env, reason)
}

func (a *AuditLog) recordEnvelopeEvent(event string, env *envelope.Envelope, reason string) error {
	if a == nil || !a.envelopesOn {
		return nil
	}
	rec := envelopeRecord{
		Event: event, EnvelopeID: env.ID, Ts: env.Ts, From: env.From,
		To: env.To, Kind: env.Kind, Reason: reason,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return a.appendEnvelopeLine(line)
}

func (a *AuditLog) appendEnvelopeLine(line []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rotateBytes > 0 && a.envelopeLen+int64(len(line))+1 > a.rotateBytes {
		f, err := rotateFile(a.envelopes)
		if err != nil {
			return err
		}
		a.envelopes = f
		a.envelopeLen = 0
	}
	n, err := a.envelopes.Write(append(line, '\n'))
	a.envelopeLen += int64(n)
	return err
}

// rotateFile closes f, renames it aside with a nanosecond suffix, and
// reopens a fresh file at the same path — shared by both rolling logs
// (§6.3: "both JSON-Lines files are rotated by size").
func rotateFile(f *os.File) (*os.File, error) {
	path := f.Name()
	f.Close()
	rotated := fmt.Sprintf("%s.%d", path, time.Now().UnixNano())
	if err := os.Rename(path, rotated); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// decisionRecord is one line of capability-decisions.jsonl: {event, result,
// ts, participant, envelope_id, required_capability}. The rule that matched
// is not recorded.
type decisionRecord struct {
	Event              string `json:"event"`
	Result             string `json:"result"`
	Ts                 time.Time `json:"ts"`
	Participant        string `json:"participant"`
	EnvelopeID         string `json:"envelope_id"`
	RequiredCapability string `json:"required_capability"`
}

// RecordCapabilityDecision appends one capability-evaluation outcome.
func (a *AuditLog) RecordCapabilityDecision(participant, envelopeID, kind string, allowed bool) error {
	if a == nil || !a.decisionsOn {
		return nil
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	rec := decisionRecord{
		Event: "capability_check", Result: result, Ts: time.Now(),
		Participant: participant, EnvelopeID: envelopeID, RequiredCapability: kind,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	a.decMu.Lock()
	defer a.decMu.Unlock()
	if a.rotateBytes > 0 && a.decLen+int64(len(line))+1 > a.rotateBytes {
		f, err := rotateFile(a.decFile)
		if err != nil {
			return err
		}
		a.decFile = f
		a.decLen = 0
	}
	n, err := a.decFile.Write(append(line, '\n'))
	a.decLen += int64(n)
	return err
}

// Close releases both underlying file handles.
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	var firstErr error
	if a.envelopes != nil {
		if err := a.envelopes.Close(); err != nil {
			firstErr = err
		}
	}
	if a.decFile != nil {
		if err := a.decFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
