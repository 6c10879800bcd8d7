package sandbox

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/attempt-this-online/attempt-this-online/protocol"
)

// spawnWithPidFD starts a throwaway child and returns its pidfd. Tests that
// need a real process to wait on use this instead of the full namespace
// spawn, which needs root and a provisioned image.
func spawnWithPidFD(t *testing.T, args ...string) (*exec.Cmd, int) {
	t.Helper()
	pidfd := -1
	cmd := exec.Command(args[0], args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{PidFD: &pidfd}
	if err := cmd.Start(); err != nil {
		t.Skipf("skipping: cannot spawn with pidfd: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		unix.Close(pidfd)
		// reap so the zombie does not outlive the test (reapChild may have
		// done it already, in which case this is a no-op error)
		cmd.Process.Wait()
	})
	return cmd, pidfd
}

// controlConn returns a Conn whose control fd is an empty pipe, plus the
// write end for injecting control messages.
func controlConn(t *testing.T) (*Conn, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create control pipe: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return NewConn(r, io.Discard), w
}

func TestWaitChildExited(t *testing.T) {
	_, pidfd := spawnWithPidFD(t, "/bin/sh", "-c", "exit 3")
	conn, _ := controlConn(t)

	timedOut, err := waitChild(pidfd, conn, 10*time.Second)
	if err != nil {
		t.Fatalf("waitChild failed: %v", err)
	}
	if timedOut {
		t.Error("exited child reported as timed out")
	}

	statusType, statusValue, err := reapChild(pidfd)
	if err != nil {
		t.Fatalf("reapChild failed: %v", err)
	}
	if statusType != "exited" || statusValue != 3 {
		t.Errorf("expected exited(3), got %s(%d)", statusType, statusValue)
	}
}

func TestWaitChildTimeout(t *testing.T) {
	cmd, pidfd := spawnWithPidFD(t, "/bin/sleep", "30")
	conn, _ := controlConn(t)

	start := time.Now()
	timedOut, err := waitChild(pidfd, conn, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("waitChild failed: %v", err)
	}
	if !timedOut {
		t.Error("expected a timeout")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}

	cmd.Process.Kill()
	if statusType, statusValue, err := reapChild(pidfd); err != nil {
		t.Fatalf("reapChild failed: %v", err)
	} else if statusType != "killed" || statusValue != int(unix.SIGKILL) {
		t.Errorf("expected killed(9), got %s(%d)", statusType, statusValue)
	}
}

func TestWaitChildKillMessage(t *testing.T) {
	_, pidfd := spawnWithPidFD(t, "/bin/sleep", "30")
	conn, controlW := controlConn(t)

	msg, err := protocol.EncodeControl(protocol.ControlKill)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := controlW.Write(msg); err != nil {
		t.Fatal(err)
	}

	timedOut, werr := waitChild(pidfd, conn, 10*time.Second)
	if werr != nil {
		t.Fatalf("waitChild failed: %v", werr)
	}
	if timedOut {
		t.Error("kill must not be reported as a timeout")
	}
}

func TestWaitChildClientHangup(t *testing.T) {
	_, pidfd := spawnWithPidFD(t, "/bin/sleep", "30")
	conn, controlW := controlConn(t)

	controlW.Close()

	timedOut, err := waitChild(pidfd, conn, 10*time.Second)
	if err != nil {
		t.Fatalf("waitChild failed: %v", err)
	}
	if timedOut {
		t.Error("hangup must not be reported as a timeout")
	}
}

func TestWaitChildUnknownControlTag(t *testing.T) {
	_, pidfd := spawnWithPidFD(t, "/bin/sleep", "30")
	conn, controlW := controlConn(t)

	if _, err := controlW.Write([]byte("\xa7Explode")); err != nil {
		t.Fatal(err)
	}

	_, err := waitChild(pidfd, conn, 10*time.Second)
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Code != protocol.CodePolicyViolation {
		t.Errorf("expected a policy violation, got %v", err)
	}
}
