// remote-mail-filter applies user-defined rules to the folders of a remote
// IMAP mailbox.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mikey/remote-mail-filter/internal/di"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// errExit signals a non-zero exit after the command already reported the error.
var errExit = errors.New("exit")

// globalOpts holds the persistent flags shared by every subcommand
var globalOpts di.Options

// run executes the CLI with args and returns the exit code
func run(args []string, stdout, stderr io.Writer) int {
	globalOpts = di.Options{}
	root := newRootCmd(stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errExit) {
			fmt.Fprintf(stderr, "remote-mail-filter: %v\n", err) //nolint:errcheck // best-effort stderr
		}
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "remote-mail-filter",
		Short:         "Apply filtering rules to the folders of a remote IMAP mailbox",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&globalOpts.ConfigPath, "config", "c", "",
		"path to the config file (default: search /etc/remote-mail-filter, ~/.remote-mail-filter, ./configs, .)")
	root.PersistentFlags().BoolVarP(&globalOpts.Verbose, "verbose", "v", false, "enable debug logging")
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		newFilterCmd(stdout, stderr),
		newCheckCmd(stdout, stderr),
		newLoginCmd(stdout, stderr),
	)
	return root
}
