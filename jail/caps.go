package jail

import (
	"fmt"

	"github.com/moby/sys/capability"
	"golang.org/x/sys/unix"
)

// dropCaps empties every capability set. The order matters: clearing the
// bounding set needs CAP_SETPCAP in the effective set, so the thread's own
// capability state is emptied last. See capabilities(7).
func dropCaps() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("error initializing capability state: %w", err)
	}
	// caps holds no capabilities; applying it clears each set.
	if err := caps.Apply(capability.BOUNDS); err != nil {
		return fmt.Errorf("error dropping bounding capabilities: %w", err)
	}
	if err := caps.Apply(capability.AMBS); err != nil {
		return fmt.Errorf("error dropping ambient capabilities: %w", err)
	}
	if err := caps.Apply(capability.CAPS); err != nil {
		return fmt.Errorf("error dropping capabilities: %w", err)
	}

	// No execve from here on may grant privileges via setuid/setgid bits or
	// file capability xattrs.
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("error setting NO_NEW_PRIVS flag: %w", err)
	}
	return nil
}
