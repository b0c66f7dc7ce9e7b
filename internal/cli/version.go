package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/davidthor/mdctl/pkg/bootstrap"
)

// Set at build time with -ldflags "-X github.com/davidthor/mdctl/internal/cli.Version=...".
var (
	Version = "dev"
	Commit  = "none"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mdctl %s (commit %s, %s)\n", Version, Commit, runtime.Version())
			fmt.Fprintf(out, "control plane version %s\n", bootstrap.Version)
		},
	}
}
