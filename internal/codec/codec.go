// Package codec serializes changes for transport and durable journaling.
// Each change travels inside a small envelope carrying a format version and
// an xxhash checksum of the payload, so truncated or corrupted entries are
// rejected before they reach the causal store. Encoding is deterministic:
// delta maps serialize in sorted key order, so identical changes produce
// identical bytes on every node.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/caretrack/wardsync/internal/record"
)

// Version is the envelope format version this build reads and writes.
const Version = 1

// ErrMalformed marks a payload that failed structural or checksum
// validation. One malformed change never aborts a whole batch; callers skip
// it and continue.
var ErrMalformed = errors.New("malformed change payload")

type envelope struct {
	V      int             `json:"v"`
	Sum    uint64          `json:"sum"`
	Change json.RawMessage `json:"change"`
}

// EncodeChange wraps a change in a checksummed envelope.
func EncodeChange(ch record.Change) ([]byte, error) {
	payload, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("encode change %s: %w", ch.RecordID, err)
	}
	return json.Marshal(envelope{V: Version, Sum: xxhash.Sum64(payload), Change: payload})
}

// DecodeChange unwraps and validates a single envelope. Every failure mode
// wraps ErrMalformed: bad JSON, an envelope version this build does not
// speak, a checksum mismatch, or a change violating its clock invariants.
func DecodeChange(data []byte) (record.Change, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return record.Change{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.V != Version {
		return record.Change{}, fmt.Errorf("%w: unsupported envelope version %d", ErrMalformed, env.V)
	}
	if len(env.Change) == 0 {
		return record.Change{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if sum := xxhash.Sum64(env.Change); sum != env.Sum {
		return record.Change{}, fmt.Errorf("%w: checksum mismatch (have %x, want %x)", ErrMalformed, sum, env.Sum)
	}
	var ch record.Change
	if err := json.Unmarshal(env.Change, &ch); err != nil {
		return record.Change{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := ch.Validate(); err != nil {
		return record.Change{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ch, nil
}

// BatchError reports a single undecodable entry inside a batch.
type BatchError struct {
	Index int
	Err   error
}

func (e BatchError) Error() string {
	return fmt.Sprintf("change %d: %v", e.Index, e.Err)
}

func (e BatchError) Unwrap() error { return e.Err }

// EncodeBatch encodes changes into individual envelopes, preserving order.
func EncodeBatch(changes []record.Change) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(changes))
	for _, ch := range changes {
		data, err := EncodeChange(ch)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// DecodeBatch decodes each envelope independently, returning the changes
// that survived plus one BatchError per rejected entry.
func DecodeBatch(raw []json.RawMessage) ([]record.Change, []BatchError) {
	changes := make([]record.Change, 0, len(raw))
	var errs []BatchError
	for i, data := range raw {
		ch, err := DecodeChange(data)
		if err != nil {
			errs = append(errs, BatchError{Index: i, Err: err})
			continue
		}
		changes = append(changes, ch)
	}
	return changes, errs
}
