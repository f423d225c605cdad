// Package engine implements the sync round protocol on top of the causal
// store. A round is one request/response exchange between two nodes: each
// side pushes the changes the other has not acknowledged, reports the gaps
// it is waiting on, and advertises its committed frontier. The engine is
// also the facade the HTTP layer uses for local edits, so every mutation
// (local or remote) funnels through the same commit path.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/caretrack/wardsync/internal/causal"
	"github.com/caretrack/wardsync/internal/codec"
	"github.com/caretrack/wardsync/internal/metrics"
	"github.com/caretrack/wardsync/internal/record"
	"github.com/caretrack/wardsync/internal/vclock"
)

// RoundRequest is one side of a sync round. Changes carry codec envelopes,
// Watermark is the sender's committed frontier, and Gaps are the holes the
// sender wants retransmitted in the response.
type RoundRequest struct {
	NodeID    string             `json:"node_id"`
	Changes   []json.RawMessage  `json:"changes,omitempty"`
	Watermark vclock.VectorClock `json:"watermark,omitempty"`
	Gaps      []RoundGap         `json:"gaps,omitempty"`
	Limit     int                `json:"limit,omitempty"`
}

// RoundResponse answers a round: per-change acks for what the requester
// pushed, the responder's own gaps (to be filled in the requester's next
// round), the pull set, and the responder's committed frontier.
type RoundResponse struct {
	NodeID    string             `json:"node_id"`
	Acks      []ChangeAck        `json:"acks,omitempty"`
	Gaps      []RoundGap         `json:"gaps,omitempty"`
	Changes   []json.RawMessage  `json:"changes,omitempty"`
	Watermark vclock.VectorClock `json:"watermark"`
}

// RoundGap is a causal gap on one record, addressed well enough for the
// other side to retransmit: the reporter has committed Have changes from
// Origin and is holding a change built on Need.
type RoundGap struct {
	RecordType string `json:"record_type"`
	RecordID   string `json:"record_id"`
	Origin     string `json:"origin"`
	Have       uint64 `json:"have"`
	Need       uint64 `json:"need"`
}

// ChangeAck reports what happened to one pushed change. Identity fields are
// empty when the envelope could not even be decoded.
type ChangeAck struct {
	RecordType string        `json:"record_type,omitempty"`
	RecordID   string        `json:"record_id,omitempty"`
	Origin     string        `json:"origin,omitempty"`
	Seq        uint64        `json:"seq,omitempty"`
	Status     causal.Status `json:"status"`
	Error      string        `json:"error,omitempty"`
}

// Engine drives rounds against the local store and exposes the local edit
// operations the API layer builds on.
type Engine struct {
	store    *causal.Store
	metrics  *metrics.Collector
	logger   *slog.Logger
	maxBatch int
}

// New creates an engine. maxBatch bounds the pull set of a served round;
// values <= 0 fall back to 256.
func New(store *causal.Store, collector *metrics.Collector, logger *slog.Logger, maxBatch int) *Engine {
	if maxBatch <= 0 {
		maxBatch = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		metrics:  collector,
		logger:   logger,
		maxBatch: maxBatch,
	}
}

// Store exposes the underlying causal store for the operational endpoints
// (review queue, devices, stats, snapshots).
func (e *Engine) Store() *causal.Store { return e.store }

// NodeID returns the local node identity.
func (e *Engine) NodeID() string { return e.store.NodeID() }

// Local operations

// Submit commits a local edit. The tombstone marker cannot be written
// directly; deletion goes through Delete so the marker is always stamped
// consistently.
func (e *Engine) Submit(recordType, recordID string, deltas map[string]record.FieldValue) (record.Change, causal.ApplyResult, error) {
	if recordType == "" || recordID == "" {
		return record.Change{}, causal.ApplyResult{Status: causal.StatusRejected}, fmt.Errorf("record type and id are required")
	}
	for name, fv := range deltas {
		if name == record.TombstoneField {
			return record.Change{}, causal.ApplyResult{Status: causal.StatusRejected}, fmt.Errorf("field %s is reserved", record.TombstoneField)
		}
		if name == record.StatusField && record.KnownType(recordType) && fv.Kind == record.KindEnum {
			if !record.ValidStatus(fv.Str) {
				return record.Change{}, causal.ApplyResult{Status: causal.StatusRejected},
					fmt.Errorf("unknown status %q, want one of %v", fv.Str, record.Statuses())
			}
		}
	}
	ch, res, err := e.store.SubmitLocal(recordType, recordID, deltas)
	if err == nil && e.metrics != nil {
		e.metrics.RecordApply(res.Status)
	}
	return ch, res, err
}

// Delete tombstones a record. The record stays in the store so the marker
// can replicate; retention decides when the row itself goes away.
func (e *Engine) Delete(recordType, recordID string) (record.Change, causal.ApplyResult, error) {
	ch, res, err := e.store.SubmitLocal(recordType, recordID, map[string]record.FieldValue{
		record.TombstoneField: record.Tombstone(true),
	})
	if err == nil && e.metrics != nil {
		e.metrics.RecordApply(res.Status)
	}
	return ch, res, err
}

// Restore clears a record's tombstone. A restore is an ordinary stamped
// write, so it loses to a later delete the same way any field edit would.
func (e *Engine) Restore(recordType, recordID string) (record.Change, causal.ApplyResult, error) {
	ch, res, err := e.store.SubmitLocal(recordType, recordID, map[string]record.FieldValue{
		record.TombstoneField: record.Tombstone(false),
	})
	if err == nil && e.metrics != nil {
		e.metrics.RecordApply(res.Status)
	}
	return ch, res, err
}

// Get returns the current committed version of a record.
func (e *Engine) Get(recordType, recordID string) (record.RecordVersion, bool, error) {
	return e.store.CurrentVersion(recordType, recordID)
}

// List returns all committed records of a type, sorted by id. Tombstoned
// records are skipped unless includeDeleted is set.
func (e *Engine) List(recordType string, includeDeleted bool) ([]record.RecordVersion, error) {
	var out []record.RecordVersion
	err := e.store.ScanVersions(recordType, func(v record.RecordVersion) bool {
		if v.Tombstoned() && !includeDeleted {
			return true
		}
		out = append(out, v)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out, nil
}

// Round protocol

// HandleRound serves one sync round. Per-change failures become acks, not
// errors; an error return means the store itself failed and the caller
// should answer with a 5xx.
func (e *Engine) HandleRound(req RoundRequest) (RoundResponse, error) {
	if req.NodeID == "" {
		return RoundResponse{}, fmt.Errorf("round request missing node id")
	}

	acks, gaps := e.applyBatch(req.Changes)

	// The requester's frontier tells us what it already holds; retention
	// later trims the changelog below the slowest peer.
	if len(req.Watermark) > 0 {
		if err := e.store.SetPeerWatermark(req.NodeID, req.Watermark); err != nil {
			e.logger.Warn("storing peer watermark failed", "peer", req.NodeID, "error", err)
		}
	}

	limit := req.Limit
	if limit <= 0 || limit > e.maxBatch {
		limit = e.maxBatch
	}

	// Retransmissions come first: they are what unblocks the requester's
	// buffered changes. Fresh changes fill the remaining budget.
	pull, seen := e.gapFills(req.Gaps, nil)
	fresh, err := e.store.ChangesSince(req.Watermark, limit)
	if err != nil {
		return RoundResponse{}, fmt.Errorf("collect changes: %w", err)
	}
	for _, ch := range fresh {
		if len(pull) >= limit {
			break
		}
		key := changeKey(ch)
		if seen[key] {
			continue
		}
		seen[key] = true
		pull = append(pull, ch)
	}

	raw, err := codec.EncodeBatch(pull)
	if err != nil {
		return RoundResponse{}, fmt.Errorf("encode pull set: %w", err)
	}
	wm, err := e.store.CommittedFrontier()
	if err != nil {
		return RoundResponse{}, fmt.Errorf("read committed frontier: %w", err)
	}

	if e.metrics != nil {
		e.metrics.RecordRoundServed()
		e.metrics.RecordExchange(len(raw), len(req.Changes))
		e.metrics.RecordGaps(len(gaps))
	}

	return RoundResponse{
		NodeID:    e.store.NodeID(),
		Acks:      acks,
		Gaps:      gaps,
		Changes:   raw,
		Watermark: wm,
	}, nil
}

// applyBatch decodes and applies a batch of pushed envelopes. Malformed
// envelopes are acked as rejected and skipped; the rest of the batch still
// applies. The returned gaps are deduplicated per (record, origin).
func (e *Engine) applyBatch(raw []json.RawMessage) ([]ChangeAck, []RoundGap) {
	changes, bad := codec.DecodeBatch(raw)

	acks := make([]ChangeAck, 0, len(raw))
	for _, b := range bad {
		e.logger.Warn("dropping malformed change envelope", "index", b.Index, "error", b.Err)
		acks = append(acks, ChangeAck{Status: causal.StatusRejected, Error: b.Err.Error()})
	}
	if e.metrics != nil && len(bad) > 0 {
		e.metrics.RecordMalformed(len(bad))
	}

	var gaps []RoundGap
	for _, ch := range changes {
		res, err := e.store.ApplyRemote(ch)
		ack := ChangeAck{
			RecordType: ch.RecordType,
			RecordID:   ch.RecordID,
			Origin:     ch.Origin,
			Seq:        ch.Seq,
			Status:     res.Status,
		}
		if err != nil {
			ack.Error = err.Error()
			var ge *causal.GapError
			if !errors.As(err, &ge) {
				e.logger.Warn("applying change failed",
					"record", ch.RecordType+"/"+ch.RecordID, "origin", ch.Origin, "seq", ch.Seq, "error", err)
			}
		}
		for _, g := range res.Gaps {
			gaps = append(gaps, RoundGap{
				RecordType: ch.RecordType,
				RecordID:   ch.RecordID,
				Origin:     g.Origin,
				Have:       g.Have,
				Need:       g.Need,
			})
		}
		if e.metrics != nil {
			e.metrics.RecordApply(res.Status)
		}
		acks = append(acks, ack)
	}
	return acks, dedupeGaps(gaps)
}

// gapFills collects retransmissions for reported gaps, deduplicating
// against seen (allocated when nil). Gaps we cannot serve are logged and
// skipped; the reporter will re-request them while its buffer holds.
func (e *Engine) gapFills(reqGaps []RoundGap, seen map[string]bool) ([]record.Change, map[string]bool) {
	if seen == nil {
		seen = make(map[string]bool)
	}
	var out []record.Change
	for _, g := range reqGaps {
		fills, err := e.store.ChangesForGap(g.RecordType, g.RecordID, g.Origin, g.Have, g.Need)
		if err != nil {
			e.logger.Warn("gap retransmission lookup failed",
				"record", g.RecordType+"/"+g.RecordID, "origin", g.Origin, "error", err)
			continue
		}
		if len(fills) == 0 {
			e.logger.Debug("gap not servable from local changelog",
				"record", g.RecordType+"/"+g.RecordID, "origin", g.Origin, "have", g.Have, "need", g.Need)
			continue
		}
		for _, ch := range fills {
			key := changeKey(ch)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, ch)
		}
	}
	return out, seen
}

// changeKey identifies a change within one round's working set. Origin
// ordinals are origin-global, so origin+seq is enough.
func changeKey(ch record.Change) string {
	return ch.Origin + "\x00" + fmt.Sprintf("%d", ch.Seq)
}

func dedupeGaps(gaps []RoundGap) []RoundGap {
	if len(gaps) <= 1 {
		return gaps
	}
	byKey := make(map[string]RoundGap, len(gaps))
	for _, g := range gaps {
		// Later reports reflect later store state; keep the last.
		byKey[g.RecordType+"\x00"+g.RecordID+"\x00"+g.Origin] = g
	}
	out := make([]RoundGap, 0, len(byKey))
	for _, g := range byKey {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecordType != out[j].RecordType {
			return out[i].RecordType < out[j].RecordType
		}
		if out[i].RecordID != out[j].RecordID {
			return out[i].RecordID < out[j].RecordID
		}
		return out[i].Origin < out[j].Origin
	})
	return out
}
