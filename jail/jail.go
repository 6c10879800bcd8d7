package jail

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"
)

// internalErrorPrefix marks supervisor-side failures on the output channel,
// so a client can tell them apart from the program's own output.
const internalErrorPrefix = "ATO internal error: "

// logError reports a setup failure. fd 1 is already the output pipe, so the
// message reaches the client as a prefixed line; fd 2 still points at the
// host's error sink until setup succeeds, so the host log gets it too.
func logError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(internalErrorPrefix + msg)
	fmt.Fprintln(os.Stderr, msg)
}

// Run builds the container and execs the runner. It only returns on failure;
// the caller exits non-zero.
//
// Credentials and capabilities are per-thread state and the exec below uses
// the calling thread's, so everything runs pinned to one OS thread.
func Run() {
	runtime.LockOSThread()

	cfg, err := readConfig()
	if err != nil {
		logError("%v", err)
		return
	}

	// The per-image environment lives on the host filesystem, which becomes
	// unreachable after pivot_root, so it has to be loaded up front.
	env, err := loadEnv(cfg.Language.Image)
	if err != nil {
		logError("%v", err)
		return
	}

	if err := setIDs(cfg.UID, cfg.GID); err != nil {
		logError("%v", err)
		return
	}
	if err := setupNetwork(); err != nil {
		logError("%v", err)
		return
	}
	if err := setupFilesystem(&cfg.Request, &cfg.Language); err != nil {
		logError("%v", err)
		return
	}
	if err := dropCaps(); err != nil {
		logError("%v", err)
		return
	}
	if err := setRlimits(); err != nil {
		logError("%v", err)
		return
	}

	// Setup succeeded: from here the runner owns both streams, so point
	// fd 2 at its pipe. The host log is unreachable after this, and errors
	// go to stderr alone (the prefix keeps them recognizable).
	if err := unix.Dup3(stderrFD, 2, 0); err != nil {
		logError("error redirecting stderr: %v", err)
		return
	}

	closeExtraFDs()

	err = unix.Exec(bashPath, []string{bashPath, runnerPath}, env)
	// Exec does not return on success.
	fmt.Fprintf(os.Stderr, "%serror running execve: %v\n", internalErrorPrefix, err)
}

// closeExtraFDs closes every descriptor above stderr so the runner starts
// with only the standard three. The dup'd pipe originals, the netlink
// socket and the config pipe all go here.
func closeExtraFDs() {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return
	}
	for _, entry := range entries {
		fd, err := strconv.Atoi(entry.Name())
		if err != nil || fd < 3 {
			continue
		}
		unix.Close(fd)
	}
}
