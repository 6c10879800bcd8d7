package sandbox

import (
	"time"

	"golang.org/x/sys/unix"
)

// poll wraps unix.Poll with EINTR retries, recomputing the remaining time
// each attempt. The Go runtime's preemption signals interrupt slow syscalls
// routinely, so this is not a rare path. A zero deadline means wait forever.
func poll(fds []unix.PollFd, deadline time.Time) (int, error) {
	for {
		timeout := -1
		if !deadline.IsZero() {
			ms := time.Until(deadline).Milliseconds()
			if ms < 0 {
				ms = 0
			}
			timeout = int(ms)
		}
		n, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}
