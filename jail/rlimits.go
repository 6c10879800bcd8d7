package jail

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/attempt-this-online/attempt-this-online/protocol"
)

// setRlimits applies the POSIX resource limits. Hitting a soft limit gets
// the program an error (or SIGXCPU for CPU time); the hard limit is the
// ceiling it could raise the soft limit to. Memory and the authoritative
// timeout are enforced at the cgroup level instead.
func setRlimits() error {
	limits := []struct {
		name      string
		resource  int
		soft, max uint64
	}{
		// CPU time is a backstop for the wall-clock kill.
		{"CPU", unix.RLIMIT_CPU, 60, 61},
		// processes/threads, to keep fork bombs from exhausting the kernel
		{"NPROC", unix.RLIMIT_NPROC, 100, 100},
		// written file size, so a tmpfs cannot be filled to the brim
		{"FSIZE", unix.RLIMIT_FSIZE, 120 * protocol.MiB, 128 * protocol.MiB},
		{"SIGPENDING", unix.RLIMIT_SIGPENDING, 100, 100},
		{"LOCKS", unix.RLIMIT_LOCKS, 100, 100},
		{"MSGQUEUE", unix.RLIMIT_MSGQUEUE, 100, 100},
	}
	for _, l := range limits {
		rlim := unix.Rlimit{Cur: l.soft, Max: l.max}
		if err := unix.Setrlimit(l.resource, &rlim); err != nil {
			return fmt.Errorf("error setting %s resource limit: %w", l.name, err)
		}
	}
	return nil
}
