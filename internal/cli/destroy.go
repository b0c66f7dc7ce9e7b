package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/davidthor/mdctl/pkg/destroy"
	"github.com/davidthor/mdctl/pkg/names"
)

func newDestroyCmd() *cobra.Command {
	var (
		modelID      string
		modelTag     string
		autoApprove  bool
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "destroy [model/tag]",
		Short: "Destroy a deployment",
		Long: `Destroy a deployment.

If the deployment's stack exists it is deleted and mdctl waits for the
deletion to finish. If the deployment is still being created, its pipeline
execution is stopped instead. Local containers are removed.

Examples:
  mdctl destroy Qwen2.5-7B-Instruct/dev
  mdctl destroy --model-id Qwen2.5-7B-Instruct --model-tag prod --auto-approve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := resolveKey(args, modelID, modelTag)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !autoApprove {
				if !isInteractive() {
					return fmt.Errorf("refusing to destroy %s without confirmation; pass --auto-approve in non-interactive sessions", key)
				}
				if !confirm(out, os.Stdin, key) {
					fmt.Fprintln(out, "Destroy cancelled.")
					return nil
				}
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger := newLogger()
			eng, err := newEngine(ctx, logger)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Destroying %s (stack %s)...\n", key, key.StackName())
			return runDestroy(ctx, out, eng, key, outputFormat)
		},
	}

	cmd.Flags().StringVar(&modelID, "model-id", "", "Model id of the deployment")
	cmd.Flags().StringVar(&modelTag, "model-tag", "", "Deployment tag (default \"dev\")")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip confirmation prompt")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")

	return cmd
}

// confirm asks for confirmation on in and reports whether the answer was yes.
func confirm(out io.Writer, in io.Reader, key names.Key) bool {
	fmt.Fprintf(out, "Destroy deployment %s? This cannot be undone. [y/N]: ", key)
	var response string
	_, _ = fmt.Fscanln(in, &response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

type destroyer interface {
	Destroy(ctx context.Context, key names.Key) (*destroy.Result, error)
}

func runDestroy(ctx context.Context, out io.Writer, d destroyer, key names.Key, format string) error {
	result, err := d.Destroy(ctx, key)
	if err != nil {
		return err
	}

	return writeOutput(out, format, result, func(w io.Writer) error {
		switch result.Method {
		case destroy.MethodStack:
			fmt.Fprintf(w, "Deleted stack %s (%s) in %s\n", result.StackName, result.Status, formatElapsed(result.Elapsed))
		case destroy.MethodExecution:
			fmt.Fprintf(w, "Stopped execution %s (%s) in %s\n", result.ExecutionID, result.Status, formatElapsed(result.Elapsed))
		case destroy.MethodLocal:
			fmt.Fprintf(w, "Removed %d local container(s) for %s\n", result.Removed, result.Key)
		}
		return nil
	})
}
