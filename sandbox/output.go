package sandbox

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/attempt-this-online/attempt-this-online/protocol"
)

// quitFD is an eventfd the main thread signals to tell the output worker to
// drain whatever is left and exit. An eventfd is essentially a condition
// variable that fits in a poll set.
type quitFD struct {
	fd int
}

func newQuitFD() (*quitFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventfd: %w", err)
	}
	return &quitFD{fd: fd}, nil
}

func (q *quitFD) Signal() {
	var one [8]byte
	one[0] = 1
	unix.Write(q.fd, one[:])
}

func (q *quitFD) Close() {
	unix.Close(q.fd)
}

// stream is the worker's view of one of the child's output pipes.
type stream struct {
	name      string
	file      *os.File
	total     int64
	open      bool
	truncated bool
	encode    func([]byte) ([]byte, error)
}

// handleOutput drains the child's stdout and stderr pipes, framing each read
// onto the client stream, until the quit eventfd fires; it then keeps
// relaying, without blocking, until neither pipe has anything left to read.
// Returns the per-stream truncated flags.
//
// Per-stream byte order is preserved by construction; the two streams
// interleave however the child produced them. Once a stream has emitted
// maxOutput bytes its pipe is closed: the child's further writes to it fail
// with SIGPIPE (or EPIPE), and nothing more is relayed.
func handleOutput(stdoutR, stderrR *os.File, quit *quitFD, conn *Conn, maxOutput int64) ([2]bool, error) {
	streams := [2]*stream{
		{name: "stdout", file: stdoutR, open: true, encode: protocol.EncodeStdout},
		{name: "stderr", file: stderrR, open: true, encode: protocol.EncodeStderr},
	}
	for _, s := range streams {
		if err := unix.SetNonblock(int(s.file.Fd()), true); err != nil {
			return [2]bool{}, fmt.Errorf("failed to set %s non-blocking: %w", s.name, err)
		}
	}

	buf := make([]byte, protocol.OutputBufSize)
	quitting := false
	for {
		pollFDs := []unix.PollFd{{Fd: int32(quit.fd), Events: unix.POLLIN}}
		var active []*stream
		for _, s := range streams {
			if s.open {
				pollFDs = append(pollFDs, unix.PollFd{Fd: int32(s.file.Fd()), Events: unix.POLLIN})
				active = append(active, s)
			}
		}

		// after quit, poll without waiting: only what is already buffered
		// is still relayed
		deadline := time.Time{}
		if quitting {
			deadline = time.Now()
		}
		if _, err := poll(pollFDs, deadline); err != nil {
			return [2]bool{}, fmt.Errorf("failed to poll for output: %w", err)
		}

		relayed := false
		for i, s := range active {
			revents := pollFDs[i+1].Revents
			switch {
			case revents&unix.POLLIN != 0:
				relayed = true
				if err := s.relay(buf, conn, maxOutput); err != nil {
					return [2]bool{}, err
				}
			case revents&unix.POLLHUP != 0:
				s.open = false
			}
		}

		if pollFDs[0].Revents&unix.POLLIN != 0 {
			quitting = true
		}
		if quitting && !relayed {
			return [2]bool{streams[0].truncated, streams[1].truncated}, nil
		}
	}
}

// relay moves one chunk from the pipe to the client. The chunk is clipped at
// the output cap so the client sees exactly maxOutput bytes of a stream that
// overflows, then the pipe is closed and the stream marked truncated.
func (s *stream) relay(buf []byte, conn *Conn, maxOutput int64) error {
	n, err := unix.Read(int(s.file.Fd()), buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return fmt.Errorf("failed to read from %s: %w", s.name, err)
	}
	if n == 0 {
		// writer closed
		s.open = false
		return nil
	}

	chunk := buf[:n]
	if s.total+int64(n) > maxOutput {
		chunk = chunk[:maxOutput-s.total]
		s.file.Close()
		s.open = false
		s.truncated = true
	}
	s.total += int64(len(chunk))
	if len(chunk) == 0 {
		return nil
	}

	frame, err := s.encode(chunk)
	if err != nil {
		return err
	}
	return conn.WriteFrame(frame)
}
