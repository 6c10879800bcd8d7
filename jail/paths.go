package jail

import "strings"

// Host-side layout. Images, per-image environments and runners are
// provisioned outside this process; these paths are where it finds them.
const (
	rootfsBase      = "/usr/local/lib/ATO/rootfs/"
	envBase         = "/usr/local/lib/ATO/env/"
	runnerBase      = "/usr/local/share/ATO/runners/"
	overlayBaseline = "/usr/local/share/ATO/overlayfs_upper"

	hostBashPath  = "/usr/local/lib/ATO/bash"
	hostYargsPath = "/usr/local/lib/ATO/yargs"

	// scratchDir holds the writable overlay state; it lives on a tmpfs that
	// dies with the mount namespace.
	scratchDir = "/run/ATO"
)

// Container-side layout.
const (
	bashPath          = "/ATO/bash"
	runnerPath        = "/ATO/runner"
	defaultRunnerPath = "/ATO/default_runner"
)

// normalizeImage turns an OCI-style image name into a single path component:
// "registry/repo:tag" becomes "registry+repo+tag".
func normalizeImage(image string) string {
	return strings.NewReplacer("/", "+", ":", "+").Replace(image)
}

func rootfsPath(image string) string {
	return rootfsBase + normalizeImage(image)
}

func envPath(image string) string {
	return envBase + normalizeImage(image)
}

func defaultRunnerHostPath(languageID string) string {
	return runnerBase + languageID
}
