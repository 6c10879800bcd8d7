// Package gateway is the WebSocket front-end: it owns the client connection,
// spawns one sandbox supervisor process per request, relays output frames
// back to the client, and translates the supervisor's exit code into a close
// frame.
package gateway

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sys/unix"

	"github.com/attempt-this-online/attempt-this-online/protocol"
)

// DefaultSandboxPath is where the supervisor binary is installed unless
// ATO_SANDBOX_PATH or a flag says otherwise.
const DefaultSandboxPath = "/usr/local/lib/ATO/sandbox"

// Gateway serves the execution endpoint.
type Gateway struct {
	sandboxPath string
}

// New creates a Gateway spawning the supervisor at sandboxPath.
func New(sandboxPath string) *Gateway {
	if sandboxPath == "" {
		sandboxPath = DefaultSandboxPath
	}
	return &Gateway{sandboxPath: sandboxPath}
}

// Routes returns the HTTP mux for the service.
func (g *Gateway) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ws/execute", g.handleExecute)
	return mux
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  protocol.MaxRequestSize,
	WriteBufferSize: protocol.PipeBuf,
	// the browser frontend is served from a different origin
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn serializes writes: frames are relayed from a goroutine while close
// frames come from the request loop, and gorilla permits one writer at a
// time.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) writeBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConn) writeClose(code int, reason string) {
	// control frame payloads are capped at 125 bytes including the code
	if len(reason) > 123 {
		reason = reason[:123]
	}
	msg := websocket.FormatCloseMessage(protocol.WebSocketBase+code, reason)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
}

// inbound is one message (or terminal error) from the connection's single
// reader goroutine.
type inbound struct {
	messageType int
	data        []byte
	err         error
}

func (g *Gateway) handleExecute(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("failed to upgrade connection", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(protocol.MaxRequestSize)

	log := slog.With("connection", uuid.NewString())
	log.Debug("client connected", "remote", r.RemoteAddr)

	wc := &wsConn{conn: conn}
	done := make(chan struct{})
	defer close(done)
	msgs := make(chan inbound)
	go func() {
		defer close(msgs)
		for {
			mt, data, err := conn.ReadMessage()
			select {
			case msgs <- inbound{messageType: mt, data: data, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	// A connection can carry any number of requests, one after another.
	for {
		m, ok := <-msgs
		if !ok || m.err != nil {
			g.reportReadError(wc, m.err, log)
			return
		}
		if m.messageType != websocket.BinaryMessage {
			wc.writeClose(protocol.CodeUnsupportedData, "expected a binary message")
			return
		}
		if !g.runRequest(wc, m.data, msgs, log) {
			return
		}
	}
}

// reportReadError sends whatever close frame fits how the read ended. A
// client that went away (or closed cleanly) gets nothing.
func (g *Gateway) reportReadError(wc *wsConn, err error, log *slog.Logger) {
	switch {
	case err == nil:
		return
	case errors.Is(err, websocket.ErrReadLimit):
		log.Debug("client message over size limit")
		wc.writeClose(protocol.CodeTooLarge,
			"message exceeds size limit")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway),
		errors.Is(err, net.ErrClosed):
		log.Debug("client closed connection")
	default:
		log.Debug("client read failed", "error", err)
	}
}

// runRequest runs one supervisor for one request message, relaying control
// messages in and frames out. It reports whether the connection is still
// usable for a further request.
func (g *Gateway) runRequest(wc *wsConn, request []byte, msgs <-chan inbound, log *slog.Logger) bool {
	stdinR, stdinW, err := packetPipe()
	if err != nil {
		log.Error("failed to create stdin pipe", "error", err)
		wc.writeClose(protocol.CodeInternalError, "internal error")
		return false
	}
	stdoutR, stdoutW, err := packetPipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		log.Error("failed to create stdout pipe", "error", err)
		wc.writeClose(protocol.CodeInternalError, "internal error")
		return false
	}

	var stderr bytes.Buffer
	cmd := exec.Command(g.sandboxPath)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		log.Error("failed to spawn sandbox", "error", err)
		wc.writeClose(protocol.CodeInternalError, "internal error")
		return false
	}
	stdinR.Close()
	stdoutW.Close()

	closeStdin := sync.OnceFunc(func() { stdinW.Close() })
	defer closeStdin()

	if _, err := stdinW.Write(request); err != nil {
		log.Error("failed to forward request", "error", err)
	}

	// One packet in, one WebSocket message out: every frame the supervisor
	// writes is at most PIPE_BUF, so a single read never splits one.
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		buf := make([]byte, 2*protocol.PipeBuf)
		for {
			n, err := stdoutR.Read(buf)
			if n > 0 {
				if werr := wc.writeBinary(buf[:n]); werr != nil {
					log.Debug("failed to relay frame", "error", werr)
				}
			}
			if err != nil {
				return
			}
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	clientGone := false
	var readErr error
	for {
		select {
		case m, ok := <-msgs:
			if !ok || m.err != nil {
				// Closing the supervisor's stdin hangs up its control
				// channel; it kills the container and exits on its own.
				clientGone = true
				readErr = m.err
				closeStdin()
				msgs = nil
				continue
			}
			if m.messageType != websocket.BinaryMessage {
				clientGone = true
				closeStdin()
				msgs = nil
				wc.writeClose(protocol.CodeUnsupportedData, "expected a binary message")
				continue
			}
			if _, err := stdinW.Write(m.data); err != nil {
				log.Debug("failed to forward control message", "error", err)
			}

		case err := <-waitCh:
			// all frames out before any close frame
			<-relayDone
			stdoutR.Close()
			if clientGone {
				g.reportReadError(wc, readErr, log)
				return false
			}
			code := supervisorExitCode(err)
			if code == protocol.CodeNormal {
				return true
			}
			reason := strings.TrimSpace(stderr.String())
			log.Warn("sandbox failed", "code", code, "reason", reason)
			wc.writeClose(code, reason)
			return false
		}
	}
}

// supervisorExitCode maps how the supervisor process ended onto a close-code
// offset. The supervisor reports request failures through its exit code;
// anything abnormal is our fault.
func supervisorExitCode(err error) int {
	if err == nil {
		return protocol.CodeNormal
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode()
	}
	return protocol.CodeInternalError
}

// packetPipe creates a packet-mode pipe: each write up to PIPE_BUF is read
// as one discrete packet, so messages never tear across reads.
func packetPipe() (r, w *os.File, err error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_DIRECT|unix.O_CLOEXEC); err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(p[0]), "pipe-r"), os.NewFile(uintptr(p[1]), "pipe-w"), nil
}
