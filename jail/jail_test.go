package jail

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/attempt-this-online/attempt-this-online/languages"
	"github.com/attempt-this-online/attempt-this-online/protocol"
)

func TestNormalizeImage(t *testing.T) {
	for _, tc := range []struct {
		image, want string
	}{
		{"python:3.12", "python+3.12"},
		{"registry.example.com/library/python:3.12", "registry.example.com+library+python+3.12"},
		{"plain", "plain"},
	} {
		if got := normalizeImage(tc.image); got != tc.want {
			t.Errorf("normalizeImage(%q) = %q, want %q", tc.image, got, tc.want)
		}
	}
}

func TestImagePaths(t *testing.T) {
	if got := rootfsPath("a/b:c"); got != "/usr/local/lib/ATO/rootfs/a+b+c" {
		t.Errorf("unexpected rootfs path %q", got)
	}
	if got := envPath("a/b:c"); got != "/usr/local/lib/ATO/env/a+b+c" {
		t.Errorf("unexpected env path %q", got)
	}
	if got := defaultRunnerHostPath("python"); got != "/usr/local/share/ATO/runners/python" {
		t.Errorf("unexpected runner path %q", got)
	}
}

func TestParseEnv(t *testing.T) {
	data := []byte("PATH=/usr/bin:/bin\x00HOME=/root\x00LANG=C.UTF-8\x00")
	want := []string{"PATH=/usr/bin:/bin", "HOME=/root", "LANG=C.UTF-8"}
	if got := parseEnv(data); !reflect.DeepEqual(got, want) {
		t.Errorf("parseEnv = %q, want %q", got, want)
	}

	if got := parseEnv(nil); got != nil {
		t.Errorf("expected no records from empty data, got %q", got)
	}
}

func TestJoinArgs(t *testing.T) {
	got := joinArgs([][]byte{[]byte("-a"), []byte("value with spaces"), {}})
	want := []byte("-a\x00value with spaces\x00\x00")
	if !bytes.Equal(got, want) {
		t.Errorf("joinArgs = %q, want %q", got, want)
	}

	if got := joinArgs(nil); got != nil {
		t.Errorf("expected no bytes for no args, got %q", got)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	want := Config{
		Request: protocol.Request{
			Language:  "python",
			Code:      []byte("print(42)"),
			Input:     []byte("stdin"),
			Arguments: [][]byte{[]byte("-O")},
			Timeout:   30,
		},
		Language: languages.Language{
			Name:  "Python",
			Image: "library/python:3.12",
		},
		UID: 1000,
		GID: 1000,
	}

	data, err := EncodeConfig(&want)
	if err != nil {
		t.Fatalf("EncodeConfig failed: %v", err)
	}
	got, err := DecodeConfig(data)
	if err != nil {
		t.Fatalf("DecodeConfig failed: %v", err)
	}
	if !reflect.DeepEqual(*got, want) {
		t.Errorf("round-trip mismatch:\n got %+v\nwant %+v", *got, want)
	}
}
