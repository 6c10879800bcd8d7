// Package sandbox is the supervisor for one untrusted execution: it creates
// the cgroup, spawns the jailed child into fresh namespaces, multiplexes the
// child's lifetime against the client's control channel, streams output
// frames, and guarantees the cgroup is torn down on every exit path.
package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/attempt-this-online/attempt-this-online/cgroup"
	"github.com/attempt-this-online/attempt-this-online/jail"
	"github.com/attempt-this-online/attempt-this-online/languages"
	"github.com/attempt-this-online/attempt-this-online/protocol"
)

// jailEntrypoint is how the child re-enters this binary to run the
// in-namespace setup. Go cannot run code between clone and exec the way a
// single-binary fork can, so the namespaces are created by spawning
// ourselves again with a dedicated subcommand.
const jailEntrypoint = "jail"

// Options configures one invocation.
type Options struct {
	// CgroupParent is the cgroup directory per-request cgroups are created
	// under. Required.
	CgroupParent string
	// MemoryMax, when positive, caps the container's memory (bytes).
	MemoryMax int64
	// MaxOutput is the per-stream output cap in bytes; zero means
	// protocol.DefaultMaxOutputSize.
	MaxOutput int64
	// ExePath is the binary spawned for the jail child; it defaults to the
	// running executable.
	ExePath string
}

// Invoke executes one validated request and streams its result frames over
// conn. A returned *protocol.Error is reported to the client through the
// close path; nil means the Done frame went out.
func Invoke(req *protocol.Request, lang *languages.Language, conn *Conn, opts Options) error {
	maxOutput := opts.MaxOutput
	if maxOutput <= 0 {
		maxOutput = protocol.DefaultMaxOutputSize
	}

	cg, err := cgroup.Create(opts.CgroupParent, cgroup.Options{MemoryMax: opts.MemoryMax})
	if err != nil {
		return protocol.Internalf("error creating cgroup: %v", err)
	}
	// Whatever happens below, the cgroup (and with it, the whole process
	// subtree) must not outlive this call.
	defer cg.Release()

	child, err := spawnChild(req, lang, cg, opts.ExePath)
	if err != nil {
		return protocol.Internalf("%v", err)
	}
	defer child.close()

	return runParent(child, cg, conn, req, maxOutput)
}

// jailedChild is the parent's handle on the spawned container init process.
type jailedChild struct {
	pidfd   int
	stdoutR *os.File
	stderrR *os.File
	started time.Time
}

func (c *jailedChild) close() {
	c.stdoutR.Close()
	c.stderrR.Close()
	unix.Close(c.pidfd)
}

// spawnChild clones the jail process into fresh user, mount, PID, network,
// IPC, UTS and cgroup namespaces, born directly inside the prepared cgroup.
// Setting CgroupFD and PidFD makes the runtime use clone3, so the child
// cannot exist outside its cgroup for even one instruction, and the
// returned pidfd cannot be confused by PID reuse.
func spawnChild(req *protocol.Request, lang *languages.Language, cg *cgroup.Cgroup, exePath string) (*jailedChild, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("error creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("error creating stderr pipe: %w", err)
	}
	configR, configW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("error creating config pipe: %w", err)
	}

	if exePath == "" {
		exePath = "/proc/self/exe"
	}

	pidfd := -1
	cmd := exec.Command(exePath, jailEntrypoint)
	// fd 1 is the output pipe from the first instruction. fd 2 stays on the
	// host error sink until the child's setup succeeds, so early failures
	// reach the system log. The child reads its config on fd 3 and holds
	// the eventual stderr pipe on fd 4.
	cmd.Stdout = stdoutW
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{configR, stderrW}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWPID |
			unix.CLONE_NEWNET | unix.CLONE_NEWIPC | unix.CLONE_NEWUTS | unix.CLONE_NEWCGROUP,
		UseCgroupFD: true,
		CgroupFD:    cg.FD(),
		PidFD:       &pidfd,
		// if the supervisor dies, so does the container
		Pdeathsig: unix.SIGKILL,
	}

	started := time.Now()
	err = cmd.Start()
	// The child owns its copies now; the parent must drop these ends so the
	// pipes report hangup when the child is gone.
	stdoutW.Close()
	stderrW.Close()
	configR.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		configW.Close()
		return nil, fmt.Errorf("error spawning jail child: %w", err)
	}

	if err := writeConfig(configW, req, lang); err != nil {
		stdoutR.Close()
		stderrR.Close()
		unix.Close(pidfd)
		return nil, err
	}

	return &jailedChild{
		pidfd:   pidfd,
		stdoutR: stdoutR,
		stderrR: stderrR,
		started: started,
	}, nil
}

func writeConfig(w *os.File, req *protocol.Request, lang *languages.Language) error {
	defer w.Close()
	cfg := jail.Config{
		Request:  *req,
		Language: *lang,
		UID:      os.Getuid(),
		GID:      os.Getgid(),
	}
	data, err := jail.EncodeConfig(&cfg)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("error sending jail config: %w", err)
	}
	return nil
}

type outputResult struct {
	truncated [2]bool
	err       error
}

// runParent is the supervisor's main line after the spawn: wait for an exit
// condition, kill, drain output, reap, and emit the Done frame.
func runParent(child *jailedChild, cg *cgroup.Cgroup, conn *Conn, req *protocol.Request, maxOutput int64) error {
	quit, err := newQuitFD()
	if err != nil {
		return protocol.Internalf("%v", err)
	}
	defer quit.Close()

	results := make(chan outputResult, 1)
	go func() {
		truncated, err := handleOutput(child.stdoutR, child.stderrR, quit, conn, maxOutput)
		results <- outputResult{truncated: truncated, err: err}
	}()

	timedOut, waitErr := waitChild(child.pidfd, conn, time.Duration(req.Timeout)*time.Second)

	// Kill the whole subtree in one kernel operation, however the wait
	// ended, then let the worker drain what is left and join it before
	// reaping.
	cg.Release()
	quit.Signal()
	result := <-results

	if waitErr != nil {
		return waitErr
	}
	if result.err != nil {
		return protocol.Internalf("%v", result.err)
	}

	statusType, statusValue, err := reapChild(child.pidfd)
	if err != nil {
		return protocol.Internalf("%v", err)
	}

	done := protocol.Done{
		TimedOut:        timedOut,
		StatusType:      statusType,
		StatusValue:     statusValue,
		StdoutTruncated: result.truncated[0],
		StderrTruncated: result.truncated[1],
		Real:            time.Since(child.started).Nanoseconds(),
	}
	if err := childStats(&done); err != nil {
		return protocol.Internalf("%v", err)
	}

	frame, err := protocol.EncodeDone(&done)
	if err != nil {
		return protocol.Internalf("%v", err)
	}
	if err := conn.WriteFrame(frame); err != nil {
		return protocol.Internalf("%v", err)
	}
	return nil
}
