package sandbox

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/attempt-this-online/attempt-this-online/protocol"
)

// Conn is the supervisor's side of the client stream: frames go out on the
// gateway pipe, control messages come back in. Frame writes are serialized
// so the output worker and the main thread can never tear each other's
// packets.
type Conn struct {
	mu  sync.Mutex
	in  *os.File
	out io.Writer
}

// NewConn wraps the supervisor's stdin/stdout pair.
func NewConn(in *os.File, out io.Writer) *Conn {
	return &Conn{in: in, out: out}
}

// ControlFD is the descriptor to poll for inbound control messages.
func (c *Conn) ControlFD() int {
	return int(c.in.Fd())
}

// WriteFrame sends one encoded frame as a single write, which on a
// packet-mode pipe means a single packet.
func (c *Conn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.out.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadControl reads and decodes one control message. It must only be called
// once poll has reported the control fd readable.
func (c *Conn) ReadControl() (protocol.ControlMessage, error) {
	buf := make([]byte, protocol.MaxRequestSize)
	n, err := c.in.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("failed to read control message: %w", err)
	}
	msg, perr := protocol.DecodeControl(buf[:n])
	if perr != nil {
		return 0, perr
	}
	return msg, nil
}

// ReadRequest reads the initial request message. The gateway writes it as
// one message, but a packet-mode pipe splits writes larger than PIPE_BUF
// into multiple packets, so reads accumulate until the decoder is satisfied.
func ReadRequest(in *os.File) (*protocol.Request, *protocol.Error) {
	data := make([]byte, 0, protocol.MaxRequestSize)
	chunk := make([]byte, protocol.MaxRequestSize)
	for {
		n, err := in.Read(chunk)
		if n > 0 {
			data = append(data, chunk[:n]...)
			if len(data) > protocol.MaxRequestSize {
				return nil, &protocol.Error{
					Code:   protocol.CodeTooLarge,
					Reason: fmt.Sprintf("request exceeds size limit %d", protocol.MaxRequestSize),
				}
			}
			req, derr := protocol.DecodeRequest(data)
			if derr == nil {
				return req, nil
			}
			if !errors.Is(derr, protocol.ErrShortRequest) {
				return nil, protocol.Violationf("error deserialising request: %v", derr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(data) == 0 {
				return nil, protocol.Violationf("no request received")
			}
			return nil, protocol.Violationf("error reading request: %v", err)
		}
	}
}
