package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Timeout bounds, in seconds. A request with no timeout field gets
// DefaultTimeout; an out-of-range value is a policy violation.
const (
	MinTimeout     = 1
	MaxTimeout     = 60
	DefaultTimeout = 60
)

// Request is a single execution submitted by a client. It is immutable once
// decoded.
type Request struct {
	Language     string
	Code         []byte
	Input        []byte
	Arguments    [][]byte
	Options      [][]byte
	Timeout      int
	CustomRunner []byte // nil when the default runner for the language applies
}

// ErrShortRequest reports that the buffer ended mid-message. Callers reading
// from a pipe accumulate more data and retry; anything else is malformed.
var ErrShortRequest = errors.New("truncated request")

// DecodeRequest parses one MessagePack-encoded request map. Unknown keys are
// skipped. The timeout defaults to DefaultTimeout when the field is absent,
// which is distinct from an explicit (and invalid) zero.
func DecodeRequest(data []byte) (*Request, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))

	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, shortOrMalformed(err)
	}

	req := &Request{Timeout: DefaultTimeout}
	for range n {
		key, err := dec.DecodeString()
		if err != nil {
			return nil, shortOrMalformed(err)
		}
		switch key {
		case "language":
			req.Language, err = dec.DecodeString()
		case "code":
			req.Code, err = dec.DecodeBytes()
		case "input":
			req.Input, err = dec.DecodeBytes()
		case "arguments":
			req.Arguments, err = decodeByteStrings(dec)
		case "options":
			req.Options, err = decodeByteStrings(dec)
		case "timeout":
			req.Timeout, err = dec.DecodeInt()
		case "custom_runner":
			req.CustomRunner, err = dec.DecodeBytes()
		default:
			err = dec.Skip()
		}
		if err != nil {
			return nil, shortOrMalformed(err)
		}
	}
	return req, nil
}

func decodeByteStrings(dec *msgpack.Decoder) ([][]byte, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	items := make([][]byte, 0, n)
	for range n {
		item, err := dec.DecodeBytes()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func shortOrMalformed(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrShortRequest
	}
	return fmt.Errorf("malformed request: %w", err)
}

// Validate enforces the request invariants that do not need the language
// catalog: the timeout range, and that arguments and options are safe to
// join into null-terminated records.
func (r *Request) Validate() *Error {
	if r.Timeout < MinTimeout || r.Timeout > MaxTimeout {
		return Violationf("timeout %d is not in the range %d-%d", r.Timeout, MinTimeout, MaxTimeout)
	}
	for _, arg := range r.Arguments {
		if bytes.IndexByte(arg, 0) != -1 {
			return Violationf("argument contains a null byte")
		}
	}
	for _, opt := range r.Options {
		if bytes.IndexByte(opt, 0) != -1 {
			return Violationf("option contains a null byte")
		}
	}
	return nil
}
