package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cespare/xxhash/v2"

	"github.com/caretrack/wardsync/internal/record"
	"github.com/caretrack/wardsync/internal/vclock"
)

func sampleChange(t *testing.T) record.Change {
	t.Helper()
	base := vclock.VectorClock{"ward-b": 2}
	resulting, err := base.Incremented("ward-a", "ward-a")
	if err != nil {
		t.Fatal(err)
	}
	return record.Change{
		RecordID:       "task-42",
		RecordType:     record.TypeTask,
		Origin:         "ward-a",
		Seq:            7,
		BaseClock:      base,
		ResultingClock: resulting,
		Deltas: map[string]record.Field{
			"status": {Value: record.Enum("in_progress"), Stamp: record.Stamp{Weight: 3, WallNanos: 12345, Node: "ward-a"}},
			"title":  {Value: record.String("draw blood cultures"), Stamp: record.Stamp{Weight: 3, WallNanos: 12345, Node: "ward-a"}},
		},
		StampedNanos: 12345,
	}
}

func TestRoundTrip(t *testing.T) {
	ch := sampleChange(t)
	data, err := EncodeChange(ch)
	if err != nil {
		t.Fatalf("EncodeChange() = %v", err)
	}
	got, err := DecodeChange(data)
	if err != nil {
		t.Fatalf("DecodeChange() = %v", err)
	}
	if got.RecordID != ch.RecordID || got.Seq != ch.Seq || got.Origin != ch.Origin {
		t.Errorf("decoded identity differs: %+v", got)
	}
	if got.ResultingClock.Compare(ch.ResultingClock) != vclock.Equal {
		t.Errorf("clock = %v, want %v", got.ResultingClock, ch.ResultingClock)
	}
	if got.Deltas["title"].Value.Str != "draw blood cultures" {
		t.Errorf("deltas = %+v", got.Deltas)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	ch := sampleChange(t)
	a, _ := EncodeChange(ch)
	b, _ := EncodeChange(ch)
	if !bytes.Equal(a, b) {
		t.Error("same change encoded to different bytes")
	}
}

func TestDecodeRejectsTampering(t *testing.T) {
	data, _ := EncodeChange(sampleChange(t))
	tampered := bytes.Replace(data, []byte("in_progress"), []byte("xn_progress"), 1)
	if !bytes.Contains(tampered, []byte("xn_progress")) {
		t.Fatal("test setup: payload not altered")
	}
	if _, err := DecodeChange(tampered); !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodeChange() = %v, want ErrMalformed", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, data := range [][]byte{
		nil,
		[]byte("not json"),
		[]byte(`{"v":1,"sum":0}`),
		[]byte(`{"v":99,"sum":0,"change":{}}`),
	} {
		if _, err := DecodeChange(data); !errors.Is(err, ErrMalformed) {
			t.Errorf("DecodeChange(%q) = %v, want ErrMalformed", data, err)
		}
	}
}

func TestDecodeRejectsInvalidClocks(t *testing.T) {
	ch := sampleChange(t)
	ch.ResultingClock = ch.BaseClock.Clone()
	payload, _ := json.Marshal(ch)
	env, _ := json.Marshal(map[string]any{"v": Version, "sum": xxhash.Sum64(payload), "change": json.RawMessage(payload)})
	if _, err := DecodeChange(env); !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodeChange() = %v, want ErrMalformed for stalled clock", err)
	}
}

func TestBatchSkipsBadEntries(t *testing.T) {
	good := sampleChange(t)
	raw, err := EncodeBatch([]record.Change{good, good})
	if err != nil {
		t.Fatal(err)
	}
	raw[1] = json.RawMessage(`{"v":1,"sum":1,"change":{"record_id":"x"}}`)
	raw = append(raw, mustEncode(t, good))

	changes, errs := DecodeBatch(raw)
	if len(changes) != 2 {
		t.Fatalf("decoded %d changes, want 2", len(changes))
	}
	if len(errs) != 1 || errs[0].Index != 1 {
		t.Fatalf("errs = %v, want single error at index 1", errs)
	}
	if !errors.Is(errs[0], ErrMalformed) {
		t.Errorf("batch error = %v, want ErrMalformed", errs[0])
	}
}

func mustEncode(t *testing.T, ch record.Change) json.RawMessage {
	t.Helper()
	data, err := EncodeChange(ch)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
