package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/remote-mail-filter/internal/adapters/mailparse"
	"github.com/mikey/remote-mail-filter/internal/core"
	"github.com/mikey/remote-mail-filter/internal/di"
	"github.com/mikey/remote-mail-filter/internal/factory"
	"github.com/mikey/remote-mail-filter/internal/rules"
)

func newCheckCmd(stdout, stderr io.Writer) *cobra.Command {
	var folder string
	cmd := &cobra.Command{
		Use:   "check [flags] <message.eml>...",
		Short: "Show what the rules of a folder would do to saved messages",
		Long: `Evaluate the rules configured for a folder against messages stored as
.eml files and print the resulting disposition. Nothing is changed on the
server and no cache entry is written. Use "-" to read a message from stdin.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runCheck(cmd.Context(), globalOpts, folder, args, cmd.InOrStdin(), stdout); err != nil {
				fmt.Fprintf(stderr, "remote-mail-filter check: %v\n", err) //nolint:errcheck // best-effort stderr
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&folder, "folder", "f", "INBOX", "folder whose rules are applied")
	return cmd
}

type checkDeps struct {
	dig.In

	Logger  *zap.Logger
	Service *core.SweepService
	Cache   factory.StoppableCache
	LLM     core.LLMClient
}

func runCheck(ctx context.Context, opts di.Options, folderName string, files []string, stdin io.Reader, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	opts.DryRun = true
	opts.MemoryCache = true
	container, err := di.BuildContainer(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to build dependency container: %w", err)
	}

	folder := core.ParseFolder(folderName, rules.FolderDelimiter)
	return container.Invoke(func(d checkDeps) error {
		defer d.Logger.Sync() //nolint:errcheck // best-effort flush
		defer d.Service.Close()
		defer d.Cache.Stop()
		if closer, ok := d.LLM.(interface{ Close() error }); ok {
			defer closer.Close()
		}

		for _, file := range files {
			raw, err := readMessage(file, stdin)
			if err != nil {
				return err
			}
			msg, err := mailparse.ParseMessage(raw, folder)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			if msg.ID == "" {
				msg.ID = file
			}

			disposition, err := d.Service.FilterMessage(ctx, msg, folder)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			fmt.Fprintf(stdout, "%s: %s\n", file, describe(disposition)) //nolint:errcheck // best-effort stdout
		}
		return nil
	})
}

func readMessage(file string, stdin io.Reader) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(file)
}

// describe renders a disposition on one line
func describe(d *core.Disposition) string {
	parts := []string{d.Kind()}
	if d.Terminal == core.TerminalMove {
		parts = append(parts, "to="+d.Destination.String())
	}
	if d.Cache != nil {
		parts = append(parts, "cache="+d.Cache.String())
	}
	if d.Set.Len() > 0 {
		parts = append(parts, "set="+d.Set.String())
	}
	if d.Clear.Len() > 0 {
		parts = append(parts, "clear="+d.Clear.String())
	}
	if len(d.Invalidations) > 0 {
		parts = append(parts, "invalidate="+strings.Join(d.Invalidations, ","))
	}
	if d.Terminal == core.TerminalStop {
		parts = append(parts, "stopped")
	}
	return strings.Join(parts, " ")
}
