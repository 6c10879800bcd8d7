package jail

import (
	"fmt"
	"os"
	"syscall"
)

// setIDs maps the supervisor's unprivileged uid/gid to root inside the user
// namespace and switches to it. Until the maps are written the process is
// the overflow user and can do nothing; afterwards it is root in here and
// still the original nobody from the host's perspective.
func setIDs(outsideUID, outsideGID int) error {
	uidMap := fmt.Sprintf("0 %d 1\n", outsideUID)
	if err := os.WriteFile("/proc/self/uid_map", []byte(uidMap), 0o644); err != nil {
		return fmt.Errorf("error writing uid_map: %w", err)
	}
	// gid_map is only writable once setgroups is denied.
	if err := os.WriteFile("/proc/self/setgroups", []byte("deny"), 0o644); err != nil {
		return fmt.Errorf("error denying setgroups: %w", err)
	}
	gidMap := fmt.Sprintf("0 %d 1\n", outsideGID)
	if err := os.WriteFile("/proc/self/gid_map", []byte(gidMap), 0o644); err != nil {
		return fmt.Errorf("error writing gid_map: %w", err)
	}

	if err := syscall.Setresuid(0, 0, 0); err != nil {
		return fmt.Errorf("error setting uids: %w", err)
	}
	if err := syscall.Setresgid(0, 0, 0); err != nil {
		return fmt.Errorf("error setting gids: %w", err)
	}
	return nil
}
