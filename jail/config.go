// Package jail performs the in-container setup of the sandboxed child: ID
// mapping, loopback networking, the read-only rootfs, capability and rlimit
// hardening, and finally the exec of the runner. It runs inside the fresh
// namespaces created by the supervisor and never returns on success.
package jail

import (
	"fmt"
	"io"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/attempt-this-online/attempt-this-online/languages"
	"github.com/attempt-this-online/attempt-this-online/protocol"
)

// File descriptors the child is born with, beyond the usual three: the
// config blob arrives on fd 3, and fd 4 is the stderr pipe that replaces
// fd 2 once setup has succeeded.
const (
	configFD = 3
	stderrFD = 4
)

// Config is everything the child needs to build the container. The child
// cannot ask the kernel for the outside uid/gid itself (inside the fresh
// user namespace they read as the overflow id), so the supervisor records
// them here.
type Config struct {
	Request  protocol.Request   `msgpack:"request"`
	Language languages.Language `msgpack:"language"`
	UID      int                `msgpack:"uid"`
	GID      int                `msgpack:"gid"`
}

// EncodeConfig serializes a Config for the fd-3 pipe.
func EncodeConfig(cfg *Config) ([]byte, error) {
	data, err := msgpack.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode jail config: %w", err)
	}
	return data, nil
}

// DecodeConfig parses a Config read from the fd-3 pipe.
func DecodeConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := msgpack.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode jail config: %w", err)
	}
	return &cfg, nil
}

func readConfig() (*Config, error) {
	f := os.NewFile(configFD, "jail-config")
	if f == nil {
		return nil, fmt.Errorf("jail config fd %d is not open", configFD)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read jail config: %w", err)
	}
	return DecodeConfig(data)
}
