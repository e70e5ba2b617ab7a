package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the kernel. Action outcomes use the
// "<kind>_success" / "<kind>_failure" convention; EventType builds them.
const (
	EventTick            = "tick"
	EventAction          = "action"
	EventMintResolved    = "mint_resolved"
	EventMintNoBids      = "mint_no_bids"
	EventMintScored      = "mint_scored"
	EventEscrowDeposited = "escrow_deposited"
	EventEscrowPurchased = "escrow_purchased"
	EventEscrowCancelled = "escrow_cancelled"
)

// EventType returns the semantic event type for an action outcome.
func EventType(kind IntentKind, success bool) string {
	suffix := "_failure"
	if success {
		suffix = "_success"
	}
	return string(kind) + suffix
}

// Event is one record of the append-only kernel log.
//
// The JSON line format is a compatibility surface: event_type and timestamp
// are always present, per-type fields are flattened beside them, and the
// integrity fields (seq, hash, chain_hash) are appended by storage. External
// observability consumers depend on the field names staying stable.
type Event struct {
	// Seq is the log sequence number (starts at 1). Assigned on append.
	Seq uint64
	// Type identifies the kind of event.
	Type string
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// Fields carries per-type payload fields, flattened into the JSON line.
	Fields map[string]any
	// Hash is the content-addressed identity (SHA-256 truncated to
	// 128-bit). Assigned on append.
	Hash string
	// ChainHash links this event to the previous event hash. Assigned on
	// append.
	ChainHash string
}

// reservedEventFields are envelope keys payload fields may not shadow.
var reservedEventFields = map[string]bool{
	"event_type": true,
	"timestamp":  true,
	"seq":        true,
	"hash":       true,
	"chain_hash": true,
}

// MarshalJSON flattens payload fields beside the stable envelope keys.
func (e Event) MarshalJSON() ([]byte, error) {
	line := make(map[string]any, len(e.Fields)+5)
	for key, value := range e.Fields {
		if reservedEventFields[key] {
			continue
		}
		line[key] = value
	}
	line["event_type"] = e.Type
	line["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	if e.Seq > 0 {
		line["seq"] = e.Seq
	}
	if e.Hash != "" {
		line["hash"] = e.Hash
	}
	if e.ChainHash != "" {
		line["chain_hash"] = e.ChainHash
	}
	return json.Marshal(line)
}

// UnmarshalJSON restores the envelope and payload fields from one log line.
func (e *Event) UnmarshalJSON(data []byte) error {
	var line map[string]any
	if err := json.Unmarshal(data, &line); err != nil {
		return err
	}
	eventType, _ := line["event_type"].(string)
	if eventType == "" {
		return fmt.Errorf("event line is missing event_type")
	}
	e.Type = eventType
	if raw, ok := line["timestamp"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fmt.Errorf("parse event timestamp: %w", err)
		}
		e.Timestamp = parsed
	}
	if seq, ok := line["seq"].(float64); ok {
		e.Seq = uint64(seq)
	}
	e.Hash, _ = line["hash"].(string)
	e.ChainHash, _ = line["chain_hash"].(string)
	fields := make(map[string]any)
	for key, value := range line {
		if reservedEventFields[key] {
			continue
		}
		fields[key] = value
	}
	if len(fields) > 0 {
		e.Fields = fields
	}
	return nil
}

// eventEnvelope is the canonical form hashed for integrity chaining. Field
// ordering is defined here in one place so it cannot drift between layers.
type eventEnvelope struct {
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Fields    json.RawMessage `json:"fields,omitempty"`
	PrevHash  string          `json:"prev_hash,omitempty"`
}

// EventHash computes the content hash for a single event.
func EventHash(evt Event) (string, error) {
	return hashEnvelope(evt, "")
}

// ChainHash computes the hash that links an event to its predecessor.
func ChainHash(evt Event, prevHash string) (string, error) {
	return hashEnvelope(evt, prevHash)
}

func hashEnvelope(evt Event, prevHash string) (string, error) {
	var fields json.RawMessage
	if len(evt.Fields) > 0 {
		encoded, err := json.Marshal(evt.Fields)
		if err != nil {
			return "", fmt.Errorf("encode event fields: %w", err)
		}
		fields = encoded
	}
	payload, err := json.Marshal(eventEnvelope{
		Seq:       evt.Seq,
		Type:      evt.Type,
		Timestamp: evt.Timestamp.UTC().Format(time.RFC3339Nano),
		Fields:    fields,
		PrevHash:  prevHash,
	})
	if err != nil {
		return "", fmt.Errorf("encode event envelope: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:16]), nil
}
