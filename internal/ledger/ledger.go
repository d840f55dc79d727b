package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEntryNotFound = errors.New("audit entry not found")
	ErrInvalidRange  = errors.New("invalid sequence range")
)

type EventType string

const (
	EventActionValidated   EventType = "action_validated"
	EventActionBlocked     EventType = "action_blocked"
	EventAgentRegistered   EventType = "agent_registered"
	EventCredentialIssued  EventType = "credential_issued"
	EventCredentialRotated EventType = "credential_rotated"
	EventAgentKilled       EventType = "agent_killed"
	EventKillRejected      EventType = "kill_rejected"
	EventIdentityExpired   EventType = "identity_expired"
	EventCorrection        EventType = "correction"
)

// Entry is a single append-only record in the audit chain. Entries are
// immutable once committed; corrections reference the original sequence in
// Details instead of rewriting history.
type Entry struct {
	Sequence     uint64          `json:"sequence"`
	EventID      string          `json:"event_id"`
	EventType    EventType       `json:"event_type"`
	IdentityID   string          `json:"identity_id"`
	Outcome      string          `json:"outcome"`
	Details      json.RawMessage `json:"details,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
}

// entryPayload is the canonical shape hashed for each entry. Field order is
// fixed by the struct, so the hash is deterministic for a given entry.
type entryPayload struct {
	Sequence     uint64          `json:"sequence"`
	EventID      string          `json:"event_id"`
	EventType    EventType       `json:"event_type"`
	IdentityID   string          `json:"identity_id"`
	Outcome      string          `json:"outcome"`
	Details      json.RawMessage `json:"details,omitempty"`
	Timestamp    string          `json:"timestamp"`
	PreviousHash string          `json:"previous_hash"`
}

type AppendInput struct {
	EventType  EventType
	IdentityID string
	Outcome    string
	Details    any
}

type Filter struct {
	IdentityID string
	EventType  EventType
	Outcome    string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

type VerifyResult struct {
	Valid    bool
	Checked  int
	BrokenAt uint64
	Message  string
}

// Store persists committed entries keyed by sequence. Implementations do not
// need to serialize writers; the Ledger does that.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	Last(ctx context.Context) (*Entry, error)
	Range(ctx context.Context, from, to uint64) ([]Entry, error)
	Query(ctx context.Context, filter Filter) ([]Entry, int, error)
}

// Ledger assigns sequences and hashes and guarantees that appends are
// linearized: PreviousHash always equals the hash of the entry committed
// immediately before, even under concurrent writers.
type Ledger struct {
	mu       sync.Mutex
	store    Store
	nextSeq  uint64
	lastHash string
}

func New(ctx context.Context, store Store) (*Ledger, error) {
	last, err := store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger head: %w", err)
	}

	l := &Ledger{store: store, nextSeq: 1}
	if last != nil {
		l.nextSeq = last.Sequence + 1
		l.lastHash = last.Hash
	}
	return l, nil
}

// Append commits one entry to the chain and returns it with its assigned
// sequence and hash.
func (l *Ledger) Append(ctx context.Context, input AppendInput) (Entry, error) {
	if input.EventType == "" {
		return Entry{}, fmt.Errorf("event type is required")
	}

	details, err := normalizeDetails(input.Details)
	if err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Sequence:   l.nextSeq,
		EventID:    uuid.NewString(),
		EventType:  input.EventType,
		IdentityID: input.IdentityID,
		Outcome:    input.Outcome,
		Details:    details,
		// Truncated to microseconds so the hashed timestamp survives a
		// round-trip through timestamptz unchanged.
		Timestamp:    time.Now().UTC().Truncate(time.Microsecond),
		PreviousHash: l.lastHash,
	}

	hash, err := computeHash(entry)
	if err != nil {
		return Entry{}, err
	}
	entry.Hash = hash

	if err := l.store.Append(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("append audit entry: %w", err)
	}

	l.nextSeq++
	l.lastHash = entry.Hash

	slog.Debug("Audit entry committed",
		"sequence", entry.Sequence,
		"event_type", entry.EventType,
		"identity_id", entry.IdentityID,
		"outcome", entry.Outcome)

	return entry, nil
}

// VerifyIntegrity recomputes every hash in [from, to] and checks each entry
// against its predecessor. It reports the first broken sequence on failure.
func (l *Ledger) VerifyIntegrity(ctx context.Context, from, to uint64) (VerifyResult, error) {
	if from == 0 {
		from = 1
	}
	if to != 0 && to < from {
		return VerifyResult{}, ErrInvalidRange
	}

	entries, err := l.store.Range(ctx, from, to)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("load ledger range: %w", err)
	}

	prevHash := ""
	if from > 1 {
		prev, err := l.store.Range(ctx, from-1, from-1)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("load predecessor: %w", err)
		}
		if len(prev) != 1 {
			return VerifyResult{}, ErrEntryNotFound
		}
		prevHash = prev[0].Hash
	}

	expectedSeq := from
	for i, entry := range entries {
		if entry.Sequence != expectedSeq {
			return VerifyResult{
				Checked:  i,
				BrokenAt: expectedSeq,
				Message:  fmt.Sprintf("sequence gap: expected %d, got %d", expectedSeq, entry.Sequence),
			}, nil
		}
		if entry.PreviousHash != prevHash {
			return VerifyResult{
				Checked:  i,
				BrokenAt: entry.Sequence,
				Message:  "previous_hash does not match predecessor",
			}, nil
		}
		recomputed, err := computeHash(entry)
		if err != nil {
			return VerifyResult{}, err
		}
		if recomputed != entry.Hash {
			return VerifyResult{
				Checked:  i,
				BrokenAt: entry.Sequence,
				Message:  "entry hash does not match content",
			}, nil
		}
		prevHash = entry.Hash
		expectedSeq++
	}

	return VerifyResult{Valid: true, Checked: len(entries)}, nil
}

// Query returns matching entries plus the total match count for pagination.
func (l *Ledger) Query(ctx context.Context, filter Filter) ([]Entry, int, error) {
	return l.store.Query(ctx, filter)
}

func computeHash(entry Entry) (string, error) {
	payload := entryPayload{
		Sequence:     entry.Sequence,
		EventID:      entry.EventID,
		EventType:    entry.EventType,
		IdentityID:   entry.IdentityID,
		Outcome:      entry.Outcome,
		Details:      entry.Details,
		Timestamp:    entry.Timestamp.UTC().Format(time.RFC3339Nano),
		PreviousHash: entry.PreviousHash,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal entry payload: %w", err)
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func normalizeDetails(details any) (json.RawMessage, error) {
	if details == nil {
		return nil, nil
	}
	if raw, ok := details.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal entry details: %w", err)
	}
	return raw, nil
}
