package id

import (
	"encoding/json"
	"testing"
)

func TestNewEventID_Prefix(t *testing.T) {
	evtID := NewEventID()
	if evtID.Prefix() != PrefixEvent {
		t.Fatalf("expected prefix %q, got %q", PrefixEvent, evtID.Prefix())
	}

	parsed, err := ParseEventID(evtID.String())
	if err != nil {
		t.Fatalf("ParseEventID: %v", err)
	}
	if parsed.String() != evtID.String() {
		t.Fatalf("round trip mismatch: %s vs %s", parsed, evtID)
	}
}

func TestParseWithPrefix_Mismatch(t *testing.T) {
	dlqID := NewDLQID()
	if _, err := ParseEventID(dlqID.String()); err == nil {
		t.Fatal("expected prefix mismatch error")
	}
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error for empty string")
	}
}

func TestID_JSON(t *testing.T) {
	type wrapper struct {
		ID  ID `json:"id"`
		Ref ID `json:"ref"`
	}

	in := wrapper{ID: NewEventID()}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out wrapper
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID.String() != in.ID.String() {
		t.Fatalf("expected %s, got %s", in.ID, out.ID)
	}
	if !out.Ref.IsNil() {
		t.Fatal("empty ID should decode to Nil")
	}
}

func TestID_Scan(t *testing.T) {
	evtID := NewEventID()

	var scanned ID
	if err := scanned.Scan([]byte(evtID.String())); err != nil {
		t.Fatalf("scan bytes: %v", err)
	}
	if scanned.String() != evtID.String() {
		t.Fatalf("expected %s, got %s", evtID, scanned)
	}

	if err := scanned.Scan(nil); err != nil || !scanned.IsNil() {
		t.Fatalf("scan nil should yield Nil, err=%v", err)
	}
	if err := scanned.Scan(42); err == nil {
		t.Fatal("expected error scanning an int")
	}

	v, err := Nil.Value()
	if err != nil || v != nil {
		t.Fatalf("Nil.Value() should be nil, got %v %v", v, err)
	}
}
