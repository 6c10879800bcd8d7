package jail

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/attempt-this-online/attempt-this-online/languages"
	"github.com/attempt-this-online/attempt-this-online/protocol"
)

// tmpfsSize bounds each writable tmpfs so a runaway program cannot eat the
// host's memory through the page cache. RLIMIT_FSIZE is the per-file
// backstop.
const tmpfsSize = "size=655350k"

// setupFilesystem builds the container rootfs: an overlay of a shared
// baseline over the language image, writable only in the scratch upper
// layer, with a full /dev, /proc and /sys, then pivots into it and writes
// the request files.
func setupFilesystem(req *protocol.Request, lang *languages.Language) error {
	rootfs := rootfsPath(lang.Image)

	// Everything mounted from here on must stay in this namespace, and
	// mounts appearing in the parent namespace must not leak in either.
	// pivot_root also insists on private propagation for . and its parent.
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("error setting / private: %w", err)
	}

	// The scratch tmpfs holds all data written to the container's rootfs;
	// it is discarded with the namespace.
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return fmt.Errorf("error creating %s: %w", scratchDir, err)
	}
	if err := mountFS(scratchDir, "tmpfs", unix.MS_NOSUID, "mode=755,"+tmpfsSize); err != nil {
		return err
	}
	for _, dir := range []string{"upper", "work", "merged"} {
		if err := os.Mkdir(scratchDir+"/"+dir, 0o700); err != nil {
			return fmt.Errorf("error creating overlay %s directory: %w", dir, err)
		}
	}

	// The merged mount is also what makes the target a mount point, which
	// pivot_root requires.
	overlayOpts := fmt.Sprintf(
		"upperdir=%s/upper,lowerdir=%s:%s,workdir=%s/work",
		scratchDir, overlayBaseline, rootfs, scratchDir,
	)
	merged := scratchDir + "/merged"
	if err := unix.Mount("overlay", merged, "overlay", 0, overlayOpts); err != nil {
		return fmt.Errorf("error mounting new rootfs: %w", err)
	}

	if err := unix.Chdir(merged); err != nil {
		return fmt.Errorf("error entering new rootfs: %w", err)
	}

	if err := setupSpecialFiles(req.Language); err != nil {
		return err
	}

	// Swap the meanings of / and . in one call: / becomes the container
	// rootfs, . keeps referring to the old root (no longer reachable from
	// the directory tree).
	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("error pivoting root: %w", err)
	}

	if err := writeRequestFiles(req); err != nil {
		return err
	}

	// The working directory is not well-defined after pivot_root, and the
	// runner expects to start in /ATO anyway.
	if err := unix.Chdir("/ATO"); err != nil {
		return fmt.Errorf("error changing directory to /ATO: %w", err)
	}
	return nil
}

func mountFS(target, fstype string, flags uintptr, data string) error {
	if err := unix.Mount(fstype, target, fstype, flags, data); err != nil {
		return fmt.Errorf("error mounting %s: %w", target, err)
	}
	return nil
}

func mkdirMountFS(target, fstype string, flags uintptr, data string) error {
	if err := os.Mkdir(target, 0o755); err != nil {
		return fmt.Errorf("error creating mount point %s: %w", target, err)
	}
	return mountFS(target, fstype, flags, data)
}

// setupSpecialFiles populates the rootfs-to-be (the current directory) with
// the mounts and device nodes a program expects from a real Linux system.
func setupSpecialFiles(languageID string) error {
	if err := mountFS("./tmp", "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=1755,"+tmpfsSize); err != nil {
		return err
	}
	if err := mountFS("./ATO", "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=755,"+tmpfsSize); err != nil {
		return err
	}
	// scratch directory the runner exposes to the program
	if err := os.Mkdir("./ATO/context", 0o755); err != nil {
		return fmt.Errorf("error creating /ATO/context: %w", err)
	}
	if err := mountFS("./proc", "proc", 0, ""); err != nil {
		return err
	}
	if err := mountFS("./dev", "tmpfs", unix.MS_NOSUID|unix.MS_STRICTATIME, "mode=755,"+tmpfsSize); err != nil {
		return err
	}
	if err := mkdirMountFS("./dev/pts", "devpts", unix.MS_NOSUID|unix.MS_NOEXEC, "newinstance,ptmxmode=0666,mode=0620"); err != nil {
		return err
	}
	if err := os.Mkdir("./dev/shm", 0o755); err != nil {
		return fmt.Errorf("error creating mount point ./dev/shm: %w", err)
	}
	if err := unix.Mount("shm", "./dev/shm", "tmpfs", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, "mode=1777,"+tmpfsSize); err != nil {
		return fmt.Errorf("error mounting ./dev/shm: %w", err)
	}
	if err := mkdirMountFS("./dev/mqueue", "mqueue", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return err
	}
	if err := mountFS("./sys", "sysfs", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return err
	}
	if err := mountFS("./sys/fs/cgroup", "cgroup2", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC|unix.MS_RELATIME, ""); err != nil {
		return err
	}

	// Devices cannot be mknod'd from an unprivileged user namespace, so the
	// host's are bind-mounted over empty files instead.
	for _, dev := range []string{"full", "null", "random", "tty", "urandom", "zero"} {
		src := "/dev/" + dev
		dst := "./dev/" + dev
		if err := touch(dst); err != nil {
			return fmt.Errorf("error creating mount point for /dev/%s: %w", dev, err)
		}
		if err := unix.Mount(src, dst, "", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("error bind-mounting /dev/%s: %w", dev, err)
		}
	}

	links := []struct{ target, name string }{
		{"/proc/self/fd", "dev/fd"},
		{"/proc/self/fd/0", "dev/stdin"},
		{"/proc/self/fd/1", "dev/stdout"},
		{"/proc/self/fd/2", "dev/stderr"},
		{"/proc/kcore", "dev/core"},
		{"pts/ptmx", "dev/ptmx"},
	}
	for _, l := range links {
		if err := os.Symlink(l.target, l.name); err != nil {
			return fmt.Errorf("error creating /%s: %w", l.name, err)
		}
	}

	// The runner infrastructure itself, read-only from the host.
	binds := []struct{ src, dst string }{
		{hostBashPath, "./ATO/bash"},
		{hostYargsPath, "./ATO/yargs"},
		{defaultRunnerHostPath(languageID), "./ATO/default_runner"},
	}
	for _, b := range binds {
		if err := touch(b.dst); err != nil {
			return fmt.Errorf("error creating mount point for %s: %w", b.dst, err)
		}
		if err := unix.Mount(b.src, b.dst, "", unix.MS_NOSUID|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("error bind-mounting %s: %w", b.dst, err)
		}
	}
	return nil
}

func touch(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return f.Close()
}

// writeRequestFiles materializes the request inside /ATO, after pivot_root.
// Arguments and options become null-terminated records the runner splits.
func writeRequestFiles(req *protocol.Request) error {
	files := []struct {
		path string
		data []byte
	}{
		{"/ATO/code", req.Code},
		{"/ATO/input", req.Input},
		{"/ATO/arguments", joinArgs(req.Arguments)},
		{"/ATO/options", joinArgs(req.Options)},
	}
	for _, f := range files {
		if err := os.WriteFile(f.path, f.data, 0o644); err != nil {
			return fmt.Errorf("error writing %s: %w", f.path, err)
		}
	}

	if req.CustomRunner != nil {
		if err := os.WriteFile(runnerPath, req.CustomRunner, 0o755); err != nil {
			return fmt.Errorf("error writing %s: %w", runnerPath, err)
		}
	} else if err := os.Symlink(defaultRunnerPath, runnerPath); err != nil {
		return fmt.Errorf("error linking %s: %w", runnerPath, err)
	}
	return nil
}

func joinArgs(args [][]byte) []byte {
	var out []byte
	for _, arg := range args {
		out = append(out, arg...)
		out = append(out, 0)
	}
	return out
}
