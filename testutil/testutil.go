// Package testutil provides shared test helpers.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

// SkipIfNoCgroupV2 skips the test unless the process runs as root on a host
// with the unified cgroup hierarchy.
func SkipIfNoCgroupV2(t *testing.T) {
	t.Helper()
	if os.Getuid() != 0 {
		t.Skip("skipping: requires root")
	}
	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err != nil {
		t.Skip("skipping: cgroup v2 not available")
	}
}

// RequireCgroupParent skips the test if cgroups are unavailable, otherwise
// returns a unique parent cgroup directory that is removed when the test
// finishes.
func RequireCgroupParent(t *testing.T) string {
	t.Helper()
	SkipIfNoCgroupV2(t)

	parent := filepath.Join("/sys/fs/cgroup", "ato-test-"+uuid.New().String())
	if err := os.Mkdir(parent, 0o755); err != nil {
		t.Fatalf("failed to create test cgroup parent: %v", err)
	}
	// Children only get memory.* files if the memory controller is enabled
	// one level up.
	if err := os.WriteFile(filepath.Join(parent, "cgroup.subtree_control"), []byte("+memory"), 0o644); err != nil {
		os.Remove(parent)
		t.Skipf("skipping: cannot enable memory controller: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Remove(parent); err != nil {
			t.Logf("failed to remove test cgroup parent: %v", err)
		}
	})
	return parent
}

// PollUntil calls condition every 10ms until it returns true or 5 seconds
// elapse, in which case the test is failed with the given message.
func PollUntil(t *testing.T, msg string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
