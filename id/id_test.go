package id_test

import (
	"strings"
	"testing"

	"github.com/opsline/opbus/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"OperationID", id.NewOperationID, "op_"},
		{"ConnectionID", id.NewConnectionID, "conn_"},
		{"EventID", id.NewEventID, "evt_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestNew(t *testing.T) {
	i := id.New(id.PrefixOperation)
	if i.IsNil() {
		t.Fatal("expected non-nil ID")
	}
	if i.Prefix() != id.PrefixOperation {
		t.Errorf("expected prefix %q, got %q", id.PrefixOperation, i.Prefix())
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"OperationID", id.NewOperationID, id.ParseOperationID},
		{"ConnectionID", id.NewConnectionID, id.ParseConnectionID},
		{"EventID", id.NewEventID, id.ParseEventID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	opID := id.NewOperationID()
	if _, err := id.ParseConnectionID(opID.String()); err == nil {
		t.Error("expected error parsing an operation ID as a connection ID")
	}
	if _, err := id.ParseEventID(opID.String()); err == nil {
		t.Error("expected error parsing an operation ID as an event ID")
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []string{"", "not a typeid", "op_"}
	for _, input := range tests {
		if _, err := id.Parse(input); err == nil {
			t.Errorf("Parse(%q) should fail", input)
		}
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("nil ID String() = %q, want empty", i.String())
	}
	if i.Prefix() != "" {
		t.Errorf("nil ID Prefix() = %q, want empty", i.Prefix())
	}
}

func TestMarshalTextRoundTrip(t *testing.T) {
	original := id.NewEventID()
	data, err := original.MarshalText()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var parsed id.ID
	if err := parsed.UnmarshalText(data); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if parsed.String() != original.String() {
		t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
	}
}

func TestUnmarshalTextEmpty(t *testing.T) {
	var i id.ID
	if err := i.UnmarshalText(nil); err != nil {
		t.Fatalf("unmarshal of empty input failed: %v", err)
	}
	if !i.IsNil() {
		t.Error("unmarshal of empty input should yield the nil ID")
	}
}
