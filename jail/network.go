package jail

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// setupNetwork brings up loopback inside the fresh network namespace. The
// namespace starts with lo down and unaddressed; programs reasonably expect
// 127.0.0.1 to work, and nothing else is provided — there is deliberately no
// route out of the container.
func setupNetwork() error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("error looking up lo: %w", err)
	}

	addr, err := netlink.ParseAddr("127.0.0.1/8")
	if err != nil {
		return fmt.Errorf("error parsing loopback address: %w", err)
	}
	addr.Flags = unix.IFA_F_PERMANENT
	addr.Scope = unix.RT_SCOPE_HOST
	if err := netlink.AddrAdd(lo, addr); err != nil {
		return fmt.Errorf("error adding loopback address: %w", err)
	}

	if err := netlink.LinkSetUp(lo); err != nil {
		return fmt.Errorf("error bringing up lo: %w", err)
	}
	return nil
}
