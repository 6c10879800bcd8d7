// Package cgroup manages the per-request cgroup v2 directory that contains
// the jailed child and everything it spawns.
package cgroup

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// Cgroup is a single request's cgroup. The supervisor is its exclusive
// owner: whatever happens to the request, Release must run before the
// supervisor exits.
type Cgroup struct {
	path     string
	dirFD    int
	released bool
}

// Options tunes the limits written into a fresh cgroup.
type Options struct {
	// MemoryMax, when positive, is written to memory.max (bytes). Swap is
	// always disabled regardless.
	MemoryMax int64
}

// Create makes a fresh cgroup directory under parent, named by 128 bits of
// randomness so concurrent requests can never collide, disables swap for it,
// and opens a directory fd suitable for placing a child into the cgroup at
// clone time.
func Create(parent string, opts Options) (*Cgroup, error) {
	if parent == "" {
		return nil, errors.New("no parent cgroup path configured")
	}

	path := filepath.Join(parent, randomID())
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cgroup directory: %w", err)
	}

	c := &Cgroup{path: path, dirFD: -1}

	// Swap would let a memory-hungry submission degrade the whole host, so
	// it is off unconditionally.
	if err := os.WriteFile(filepath.Join(path, "memory.swap.max"), []byte("0"), 0o644); err != nil {
		c.Release()
		return nil, fmt.Errorf("failed to write memory.swap.max: %w", err)
	}
	if opts.MemoryMax > 0 {
		limit := strconv.FormatInt(opts.MemoryMax, 10)
		if err := os.WriteFile(filepath.Join(path, "memory.max"), []byte(limit), 0o644); err != nil {
			c.Release()
			return nil, fmt.Errorf("failed to write memory.max: %w", err)
		}
	}

	// An O_PATH directory fd is all CLONE_INTO_CGROUP needs; the child is
	// born inside the cgroup, so it can never run a single instruction
	// outside it.
	fd, err := unix.Open(path, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		c.Release()
		return nil, fmt.Errorf("failed to open cgroup directory fd: %w", err)
	}
	c.dirFD = fd
	return c, nil
}

const randomIDSize = 16

func randomID() string {
	var b [randomIDSize]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on any supported platform.
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// FD returns the cgroup directory file descriptor for SysProcAttr.CgroupFD.
func (c *Cgroup) FD() int {
	return c.dirFD
}

// Path returns the cgroup directory path.
func (c *Cgroup) Path() string {
	return c.path
}

// Kill writes "1" to cgroup.kill, which makes the kernel SIGKILL every
// process in the subtree in one operation. See
// https://www.kernel.org/doc/html/latest/admin-guide/cgroup-v2.html
func (c *Cgroup) Kill() error {
	return os.WriteFile(filepath.Join(c.path, "cgroup.kill"), []byte("1"), 0o644)
}

// removeMaxAttemptTime bounds how long Release retries rmdir while the
// kernel finishes reaping the killed subtree.
const removeMaxAttemptTime = 100 * time.Millisecond

// Release kills everything in the cgroup and removes its directory. It is
// best-effort and idempotent: failures are logged, never returned, because
// by the time it runs there is nothing useful left to do with an error.
func (c *Cgroup) Release() {
	if c.released {
		return
	}
	c.released = true

	if c.dirFD >= 0 {
		if err := unix.Close(c.dirFD); err != nil {
			slog.Warn("failed to close cgroup fd", "path", c.path, "error", err)
		}
		c.dirFD = -1
	}

	if err := c.Kill(); err != nil {
		slog.Error("failed to kill cgroup", "path", c.path, "error", err)
		return
	}

	// The kernel wants a plain rmdir even though the directory still holds
	// its control files. Right after cgroup.kill it may briefly report
	// EBUSY while the subtree is reaped, so spin with yields for a bounded
	// time.
	start := time.Now()
	attempts := 0
	for {
		err := os.Remove(c.path)
		if err == nil {
			return
		}
		if errors.Is(err, unix.EBUSY) {
			if elapsed := time.Since(start); elapsed < removeMaxAttemptTime {
				attempts++
				runtime.Gosched()
				continue
			}
			slog.Error(
				"giving up removing cgroup",
				"path", c.path,
				"elapsed", time.Since(start),
				"attempts", attempts,
			)
		} else {
			slog.Error("failed to remove cgroup", "path", c.path, "error", err)
		}
		return
	}
}
