// Package audit implements an append-only, hash-chained log of policy
// changes, with optional database persistence backends.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrChainBroken is returned when chain verification fails.
	ErrChainBroken = errors.New("hash chain is broken")
)

// EntryType categorizes audit entries.
type EntryType string

const (
	EntryTypePolicySet    EntryType = "policy_set"
	EntryTypePolicyRemove EntryType = "policy_remove"
	EntryTypeLoad         EntryType = "load"
)

// Entry is a single immutable entry in the audit log.
type Entry struct {
	EntryID      string          `json:"entry_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	EntryType    EntryType       `json:"entry_type"`
	Subject      string          `json:"subject"` // acting admin, or "engine"
	Action       string          `json:"action"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// Backend persists entries as they are appended.
type Backend interface {
	Persist(entry *Entry) error
}

// Log is an append-only audit log with hash chaining. An optional Backend
// receives every appended entry; persistence failures surface as Append
// errors but the in-memory chain keeps the entry.
type Log struct {
	mu        sync.RWMutex
	entries   []*Entry
	sequence  uint64
	chainHead string
	backend   Backend
}

// NewLog creates an empty audit log. backend may be nil.
func NewLog(backend Backend) *Log {
	return &Log{chainHead: "genesis", backend: backend}
}

// Append adds a new entry to the log.
func (l *Log) Append(entryType EntryType, subject, action string, payload interface{}) (*Entry, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize audit payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequence++
	entry := &Entry{
		EntryID:      uuid.New().String(),
		Sequence:     l.sequence,
		Timestamp:    time.Now().UTC(),
		EntryType:    entryType,
		Subject:      subject,
		Action:       action,
		Payload:      payloadBytes,
		PayloadHash:  hashBytes(payloadBytes),
		PreviousHash: l.chainHead,
	}
	entry.EntryHash = entryHash(entry)
	l.chainHead = entry.EntryHash
	l.entries = append(l.entries, entry)

	if l.backend != nil {
		if err := l.backend.Persist(entry); err != nil {
			return entry, fmt.Errorf("persist audit entry %s: %w", entry.EntryID, err)
		}
	}
	return entry, nil
}

// Entries returns a copy of all entries in append order.
func (l *Log) Entries() []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ChainHead returns the current chain head hash.
func (l *Log) ChainHead() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainHead
}

// VerifyChain verifies the integrity of the hash chain.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	expectedPrev := "genesis"
	for i, entry := range l.entries {
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s, expected %s",
				ErrChainBroken, i, entry.PreviousHash, expectedPrev)
		}
		if computed := entryHash(entry); computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, entry.EntryHash)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}

func hashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// entryHash hashes the chain-relevant fields of an entry.
func entryHash(entry *Entry) string {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		EntryType    EntryType `json:"entry_type"`
		Subject      string    `json:"subject"`
		Action       string    `json:"action"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{
		Sequence:     entry.Sequence,
		Timestamp:    entry.Timestamp,
		EntryType:    entry.EntryType,
		Subject:      entry.Subject,
		Action:       entry.Action,
		PayloadHash:  entry.PayloadHash,
		PreviousHash: entry.PreviousHash,
	}
	data, _ := json.Marshal(hashable)
	return hashBytes(data)
}
