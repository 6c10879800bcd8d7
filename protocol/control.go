package protocol

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// ControlMessage is a client command sent while a request is running.
type ControlMessage int

const (
	// ControlKill asks for the running container to be killed immediately.
	ControlKill ControlMessage = iota
)

// DecodeControl parses one control message. A bare variant is encoded as its
// name; variants with a payload arrive as a single-entry map keyed by the
// name. An unknown tag is the client's fault.
func DecodeControl(data []byte) (ControlMessage, *Error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))

	code, err := dec.PeekCode()
	if err != nil {
		return 0, Violationf("malformed control message: %v", err)
	}

	var tag string
	switch {
	case msgpcode.IsString(code):
		tag, err = dec.DecodeString()
	case msgpcode.IsFixedMap(code) || code == msgpcode.Map16 || code == msgpcode.Map32:
		var n int
		if n, err = dec.DecodeMapLen(); err == nil && n != 1 {
			return 0, Violationf("control message must have exactly one tag, got %d", n)
		}
		if err == nil {
			tag, err = dec.DecodeString()
		}
	default:
		return 0, Violationf("control message must be a tag or tagged map")
	}
	if err != nil {
		return 0, Violationf("malformed control message: %v", err)
	}

	switch tag {
	case "Kill":
		return ControlKill, nil
	default:
		return 0, Violationf("unknown control message %q", tag)
	}
}

// EncodeControl is the inverse of DecodeControl; clients (and tests) use it
// to build control messages.
func EncodeControl(msg ControlMessage) ([]byte, error) {
	switch msg {
	case ControlKill:
		return msgpack.Marshal("Kill")
	default:
		return nil, Internalf("unknown control message %d", msg)
	}
}
