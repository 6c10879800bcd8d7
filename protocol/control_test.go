package protocol_test

import (
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/attempt-this-online/attempt-this-online/protocol"
)

func TestControlRoundTrip(t *testing.T) {
	data, err := protocol.EncodeControl(protocol.ControlKill)
	if err != nil {
		t.Fatalf("EncodeControl failed: %v", err)
	}
	msg, perr := protocol.DecodeControl(data)
	if perr != nil {
		t.Fatalf("DecodeControl failed: %v", perr)
	}
	if msg != protocol.ControlKill {
		t.Errorf("expected ControlKill, got %d", msg)
	}
}

func TestControlMapForm(t *testing.T) {
	data, err := msgpack.Marshal(map[string]any{"Kill": nil})
	if err != nil {
		t.Fatal(err)
	}
	msg, perr := protocol.DecodeControl(data)
	if perr != nil {
		t.Fatalf("DecodeControl failed: %v", perr)
	}
	if msg != protocol.ControlKill {
		t.Errorf("expected ControlKill, got %d", msg)
	}
}

func TestControlUnknownTag(t *testing.T) {
	for _, payload := range []any{"Explode", map[string]any{"Explode": nil}} {
		data, err := msgpack.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		_, perr := protocol.DecodeControl(data)
		if perr == nil {
			t.Fatalf("expected an error for %v", payload)
		}
		if perr.Code != protocol.CodePolicyViolation {
			t.Errorf("expected policy violation, got code %d", perr.Code)
		}
	}
}

func TestControlNotTagged(t *testing.T) {
	data, err := msgpack.Marshal(42)
	if err != nil {
		t.Fatal(err)
	}
	if _, perr := protocol.DecodeControl(data); perr == nil {
		t.Error("expected an error for a non-tag message")
	}
}
