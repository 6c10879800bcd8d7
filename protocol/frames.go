package protocol

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Output frames are single-entry maps keyed by the variant name, so a client
// can dispatch on the key without a schema: {"Stdout": <bin>},
// {"Stderr": <bin>}, {"Done": {...}}.

// Done is the final frame of a request. It is emitted exactly once, after
// the child has been reaped, and nothing follows it.
type Done struct {
	TimedOut        bool   `msgpack:"timed_out"`
	StatusType      string `msgpack:"status_type"` // "exited", "killed", "core_dumped" or "unknown"
	StatusValue     int    `msgpack:"status_value"`
	StdoutTruncated bool   `msgpack:"stdout_truncated"`
	StderrTruncated bool   `msgpack:"stderr_truncated"`

	// Resource usage of the whole container, from the kernel's accounting.
	Real            int64 `msgpack:"real"`   // wall clock, nanoseconds
	Kernel          int64 `msgpack:"kernel"` // nanoseconds
	User            int64 `msgpack:"user"`   // nanoseconds
	MaxMem          int64 `msgpack:"max_mem"`
	Waits           int64 `msgpack:"waits"`
	Preemptions     int64 `msgpack:"preemptions"`
	MajorPageFaults int64 `msgpack:"major_page_faults"`
	MinorPageFaults int64 `msgpack:"minor_page_faults"`
	InputOps        int64 `msgpack:"input_ops"`
	OutputOps       int64 `msgpack:"output_ops"`
}

// EncodeStdout encodes a chunk of the child's standard output.
func EncodeStdout(data []byte) ([]byte, error) {
	return encodeChunk("Stdout", data)
}

// EncodeStderr encodes a chunk of the child's standard error.
func EncodeStderr(data []byte) ([]byte, error) {
	return encodeChunk("Stderr", data)
}

func encodeChunk(variant string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(1); err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", variant, err)
	}
	if err := enc.EncodeString(variant); err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", variant, err)
	}
	if err := enc.EncodeBytes(data); err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", variant, err)
	}
	return buf.Bytes(), nil
}

// EncodeDone encodes the final statistics frame.
func EncodeDone(d *Done) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(1); err != nil {
		return nil, fmt.Errorf("failed to encode Done frame: %w", err)
	}
	if err := enc.EncodeString("Done"); err != nil {
		return nil, fmt.Errorf("failed to encode Done frame: %w", err)
	}
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("failed to encode Done frame: %w", err)
	}
	return buf.Bytes(), nil
}
