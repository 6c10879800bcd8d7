package sandbox

import (
	"fmt"
	"log/slog"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/attempt-this-online/attempt-this-online/protocol"
)

// waitChild blocks until one of: the request timeout expires, the child
// exits (the pidfd becomes readable), or the client sends a control message
// or goes away. It reports whether the timeout fired; in every case the
// caller proceeds to kill the cgroup and reap.
func waitChild(pidfd int, conn *Conn, timeout time.Duration) (timedOut bool, err error) {
	deadline := time.Now().Add(timeout)
	fds := []unix.PollFd{
		// a pidfd becomes readable when the process exits
		{Fd: int32(pidfd), Events: unix.POLLIN},
		{Fd: int32(conn.ControlFD()), Events: unix.POLLIN},
	}
	n, err := poll(fds, deadline)
	if err != nil {
		return false, protocol.Internalf("error polling for child: %v", err)
	}
	if n == 0 {
		return true, nil
	}
	if fds[0].Revents&unix.POLLIN != 0 {
		// child finished on its own
		return false, nil
	}

	control := fds[1].Revents
	switch {
	case control&unix.POLLIN != 0:
		msg, err := conn.ReadControl()
		if err != nil {
			return false, err
		}
		switch msg {
		case protocol.ControlKill:
			return false, nil
		default:
			return false, protocol.Internalf("unhandled control message %d", msg)
		}
	case control&unix.POLLHUP != 0:
		// client went away; nobody is listening, so just kill
		return false, nil
	default:
		return false, protocol.Internalf("unexpected poll result: %d %+v", n, fds)
	}
}

// siginfo mirrors the kernel's struct siginfo for the CLD_* cases on 64-bit
// Linux; the x/sys/unix Siginfo type leaves the union opaque.
type siginfo struct {
	Signo  int32
	Errno  int32
	Code   int32
	_      int32
	Pid    int32
	UID    uint32
	Status int32
	_      [100]byte
}

// si_code values for SIGCHLD, from asm-generic/siginfo.h.
const (
	cldExited = 1
	cldKilled = 2
	cldDumped = 3
)

// reapChild collects the child's exit disposition via the pidfd, which is
// immune to PID reuse. WALL is required because the clone flags make the
// child a nonstandard wait target.
func reapChild(pidfd int) (statusType string, statusValue int, err error) {
	var si siginfo
	_, _, errno := unix.Syscall6(
		unix.SYS_WAITID,
		unix.P_PIDFD,
		uintptr(pidfd),
		uintptr(unsafe.Pointer(&si)),
		unix.WEXITED|unix.WALL,
		0, 0,
	)
	if errno != 0 {
		return "", 0, fmt.Errorf("failed to waitid on pidfd: %w", errno)
	}

	switch si.Code {
	case cldExited:
		return "exited", int(si.Status), nil
	case cldKilled:
		return "killed", int(si.Status), nil
	case cldDumped:
		return "core_dumped", int(si.Status), nil
	default:
		slog.Warn("unexpected waitid result", "code", si.Code, "status", si.Status)
		return "unknown", -1, nil
	}
}

// childStats fills a Done frame with the reaped child's resource usage. The
// supervisor spawns exactly one child per process, so RUSAGE_CHILDREN is
// precisely the container's usage.
func childStats(d *protocol.Done) error {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_CHILDREN, &ru); err != nil {
		return fmt.Errorf("failed to get resource usage: %w", err)
	}
	d.Kernel = ru.Stime.Nano()
	d.User = ru.Utime.Nano()
	d.MaxMem = ru.Maxrss
	d.Waits = ru.Nvcsw
	d.Preemptions = ru.Nivcsw
	d.MajorPageFaults = ru.Majflt
	d.MinorPageFaults = ru.Minflt
	d.InputOps = ru.Inblock
	d.OutputOps = ru.Oublock
	return nil
}
