// Program ato-sandbox supervises one sandboxed execution. The gateway
// spawns it per request with the encoded request on stdin; it streams output
// frames on stdout and reports failures through its exit code, which the
// gateway turns into a WebSocket close code.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/attempt-this-online/attempt-this-online/jail"
	"github.com/attempt-this-online/attempt-this-online/languages"
	"github.com/attempt-this-online/attempt-this-online/logging"
	"github.com/attempt-this-online/attempt-this-online/protocol"
	"github.com/attempt-this-online/attempt-this-online/sandbox"
)

var languagesPath string

func main() {
	logging.Init()

	rootCmd := &cobra.Command{
		Use:           "ato-sandbox",
		Short:         "run one sandboxed execution request from stdin",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runSupervisor,
	}
	rootCmd.PersistentFlags().StringVar(&languagesPath, "languages", languages.Path(), "Path to the language catalog")

	// Entry point for the container init process this binary re-execs into
	// the fresh namespaces. Never invoked by hand.
	jailCmd := &cobra.Command{
		Use:    "jail",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			jail.Run()
			// Run only returns on failure.
			os.Exit(2)
		},
	}
	rootCmd.AddCommand(jailCmd)

	if err := rootCmd.Execute(); err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			slog.Error("request failed", "code", perr.Code, "reason", perr.Reason)
			fmt.Fprintln(os.Stderr, perr.Reason)
			os.Exit(perr.Code)
		}
		slog.Error("request failed", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(protocol.CodeInternalError)
	}
}

func runSupervisor(*cobra.Command, []string) error {
	catalog, err := languages.Load(languagesPath)
	if err != nil {
		return protocol.Internalf("%v", err)
	}

	req, perr := sandbox.ReadRequest(os.Stdin)
	if perr != nil {
		return perr
	}
	if perr := req.Validate(); perr != nil {
		return perr
	}
	lang, ok := catalog[req.Language]
	if !ok {
		return protocol.Violationf("no such language: %q", req.Language)
	}

	opts, err := optionsFromEnv()
	if err != nil {
		return protocol.Internalf("%v", err)
	}

	conn := sandbox.NewConn(os.Stdin, os.Stdout)
	return sandbox.Invoke(req, &lang, conn, opts)
}

// optionsFromEnv assembles the supervisor configuration. The parent cgroup
// is the one piece with no usable default.
func optionsFromEnv() (sandbox.Options, error) {
	opts := sandbox.Options{CgroupParent: os.Getenv("ATO_CGROUP_PATH")}
	if opts.CgroupParent == "" {
		return opts, errors.New("error creating cgroup: $ATO_CGROUP_PATH not provided")
	}
	if v := os.Getenv("ATO_MEMORY_MAX"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return opts, fmt.Errorf("$ATO_MEMORY_MAX is not a byte count: %w", err)
		}
		opts.MemoryMax = n
	}
	if v := os.Getenv("ATO_OUTPUT_LIMIT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return opts, fmt.Errorf("$ATO_OUTPUT_LIMIT is not a byte count: %w", err)
		}
		opts.MaxOutput = n
	}
	return opts, nil
}
