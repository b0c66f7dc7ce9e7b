package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/davidthor/mdctl/pkg/bootstrap"
)

func newBootstrapCmd() *cobra.Command {
	var (
		forceUpdate  bool
		check        bool
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create or upgrade the control plane",
		Long: `Create or upgrade the control plane: the artifact bucket, the build
project and the deployment pipeline.

Deploy bootstraps automatically, so this is only needed to upgrade an
existing control plane or to inspect it.

Examples:
  mdctl bootstrap
  mdctl bootstrap --check
  mdctl bootstrap --force-update`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if check && forceUpdate {
				return fmt.Errorf("--check and --force-update are mutually exclusive")
			}

			logger := newLogger()
			eng, err := newEngine(cmd.Context(), logger)
			if err != nil {
				return err
			}

			return runBootstrap(cmd.Context(), cmd.OutOrStdout(), eng, check, forceUpdate, outputFormat)
		},
	}

	cmd.Flags().BoolVar(&forceUpdate, "force-update", false, "Update the control plane even when it is current")
	cmd.Flags().BoolVar(&check, "check", false, "Report the control plane without changing it")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")

	return cmd
}

type bootstrapper interface {
	Bootstrap(ctx context.Context, force bool) (*bootstrap.Result, error)
	CheckBootstrap(ctx context.Context) (*bootstrap.Result, error)
}

func runBootstrap(ctx context.Context, out io.Writer, b bootstrapper, check, force bool, format string) error {
	var (
		result *bootstrap.Result
		err    error
	)
	if check {
		result, err = b.CheckBootstrap(ctx)
	} else {
		result, err = b.Bootstrap(ctx, force)
	}
	if err != nil {
		return err
	}

	return writeOutput(out, format, result, func(w io.Writer) error {
		fmt.Fprintf(w, "Stack:   %s\n", result.StackName)
		fmt.Fprintf(w, "Status:  %s\n", result.Status)
		fmt.Fprintf(w, "Version: %s\n", result.Version)
		if result.Bucket != "" {
			fmt.Fprintf(w, "Bucket:  %s\n", result.Bucket)
		}
		if !check {
			fmt.Fprintf(w, "Action:  %s\n", result.Action)
		}
		if check && result.Version != bootstrap.Version {
			fmt.Fprintf(w, "\nThe control plane is at version %s; run 'mdctl bootstrap' to upgrade to %s.\n", result.Version, bootstrap.Version)
		}
		return nil
	})
}
