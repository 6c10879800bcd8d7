package protocol_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/attempt-this-online/attempt-this-online/protocol"
)

// encodeRequestMap builds a request message the way a client would: a map
// of field name to value, with byte strings in bin format.
func encodeRequestMap(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(len(fields)); err != nil {
		t.Fatalf("failed to encode map header: %v", err)
	}
	for key, value := range fields {
		if err := enc.EncodeString(key); err != nil {
			t.Fatalf("failed to encode key: %v", err)
		}
		var err error
		switch v := value.(type) {
		case []byte:
			err = enc.EncodeBytes(v)
		case [][]byte:
			if err = enc.EncodeArrayLen(len(v)); err == nil {
				for _, item := range v {
					if err = enc.EncodeBytes(item); err != nil {
						break
					}
				}
			}
		case string:
			err = enc.EncodeString(v)
		case int:
			err = enc.EncodeInt(int64(v))
		default:
			t.Fatalf("unsupported field type %T", value)
		}
		if err != nil {
			t.Fatalf("failed to encode value for %q: %v", key, err)
		}
	}
	return buf.Bytes()
}

func TestDecodeRequest(t *testing.T) {
	data := encodeRequestMap(t, map[string]any{
		"language":  "python",
		"code":      []byte("print(42)"),
		"input":     []byte("stdin data"),
		"arguments": [][]byte{[]byte("-O"), []byte("x")},
		"options":   [][]byte{[]byte("-v")},
		"timeout":   30,
	})

	req, err := protocol.DecodeRequest(data)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if req.Language != "python" {
		t.Errorf("expected language %q, got %q", "python", req.Language)
	}
	if !bytes.Equal(req.Code, []byte("print(42)")) {
		t.Errorf("unexpected code: %q", req.Code)
	}
	if !bytes.Equal(req.Input, []byte("stdin data")) {
		t.Errorf("unexpected input: %q", req.Input)
	}
	if len(req.Arguments) != 2 || !bytes.Equal(req.Arguments[0], []byte("-O")) {
		t.Errorf("unexpected arguments: %q", req.Arguments)
	}
	if len(req.Options) != 1 || !bytes.Equal(req.Options[0], []byte("-v")) {
		t.Errorf("unexpected options: %q", req.Options)
	}
	if req.Timeout != 30 {
		t.Errorf("expected timeout 30, got %d", req.Timeout)
	}
	if req.CustomRunner != nil {
		t.Errorf("expected no custom runner, got %q", req.CustomRunner)
	}
}

func TestDecodeRequestDefaultTimeout(t *testing.T) {
	data := encodeRequestMap(t, map[string]any{
		"language": "python",
		"code":     []byte(""),
	})

	req, err := protocol.DecodeRequest(data)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if req.Timeout != protocol.DefaultTimeout {
		t.Errorf("expected default timeout %d, got %d", protocol.DefaultTimeout, req.Timeout)
	}
}

func TestDecodeRequestIgnoresUnknownFields(t *testing.T) {
	data := encodeRequestMap(t, map[string]any{
		"language":     "python",
		"future_field": "whatever",
	})

	req, err := protocol.DecodeRequest(data)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if req.Language != "python" {
		t.Errorf("expected language %q, got %q", "python", req.Language)
	}
}

func TestDecodeRequestCustomRunner(t *testing.T) {
	data := encodeRequestMap(t, map[string]any{
		"language":      "python",
		"custom_runner": []byte("#!/bin/sh\necho hi"),
	})

	req, err := protocol.DecodeRequest(data)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if !bytes.Equal(req.CustomRunner, []byte("#!/bin/sh\necho hi")) {
		t.Errorf("unexpected custom runner: %q", req.CustomRunner)
	}
}

func TestDecodeRequestTruncated(t *testing.T) {
	data := encodeRequestMap(t, map[string]any{
		"language": "python",
		"code":     []byte("print(42)"),
	})

	for _, cut := range []int{1, len(data) / 2, len(data) - 1} {
		if _, err := protocol.DecodeRequest(data[:cut]); !errors.Is(err, protocol.ErrShortRequest) {
			t.Errorf("cut at %d: expected ErrShortRequest, got %v", cut, err)
		}
	}
}

func TestDecodeRequestMalformed(t *testing.T) {
	// an array is not a request map
	data, err := msgpack.Marshal([]string{"nope"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := protocol.DecodeRequest(data); err == nil || errors.Is(err, protocol.ErrShortRequest) {
		t.Errorf("expected a malformed error, got %v", err)
	}
}

func TestValidateTimeoutRange(t *testing.T) {
	for _, tc := range []struct {
		timeout int
		valid   bool
	}{
		{-1, false},
		{0, false},
		{1, true},
		{30, true},
		{60, true},
		{61, false},
	} {
		req := &protocol.Request{Timeout: tc.timeout}
		err := req.Validate()
		if tc.valid && err != nil {
			t.Errorf("timeout %d: unexpected error: %v", tc.timeout, err)
		}
		if !tc.valid {
			if err == nil {
				t.Errorf("timeout %d: expected policy violation", tc.timeout)
			} else if err.Code != protocol.CodePolicyViolation {
				t.Errorf("timeout %d: expected code %d, got %d", tc.timeout, protocol.CodePolicyViolation, err.Code)
			}
		}
	}
}

func TestValidateNullBytes(t *testing.T) {
	req := &protocol.Request{
		Timeout:   10,
		Arguments: [][]byte{[]byte("fine"), []byte("\x00bad")},
	}
	if err := req.Validate(); err == nil || err.Code != protocol.CodePolicyViolation {
		t.Errorf("expected policy violation for null byte in argument, got %v", err)
	}

	req = &protocol.Request{
		Timeout: 10,
		Options: [][]byte{[]byte("bad\x00")},
	}
	if err := req.Validate(); err == nil || err.Code != protocol.CodePolicyViolation {
		t.Errorf("expected policy violation for null byte in option, got %v", err)
	}

	req = &protocol.Request{
		Timeout:   10,
		Arguments: [][]byte{[]byte("fine")},
		Options:   [][]byte{[]byte("also fine")},
	}
	if err := req.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
