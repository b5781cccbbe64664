// Command helmctl is a command line client for the tinyhelm hub.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

type globalOptions struct {
	server  string
	timeout time.Duration
	json    bool
}

func (o *globalOptions) client() *client {
	return newClient(o.server, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "helmctl",
		Short:         "helmctl controls a tinyhelm instrumentation hub",
		Long:          "helmctl mounts devices on a tinyhelm hub, reads their quantities and sends them commands.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("TINYHELM_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", server, "hub base URL (env TINYHELM_SERVER)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON responses")

	root.AddCommand(
		newDevicesCmd(opts),
		newAddCmd(opts),
		newRemoveCmd(opts),
		newReadCmd(opts),
		newAverageCmd(opts),
		newSendCmd(opts),
		newKindsCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func main() {
	Execute()
}
