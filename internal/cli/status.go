package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidthor/mdctl/pkg/descriptor"
	"github.com/davidthor/mdctl/pkg/names"
	"github.com/davidthor/mdctl/pkg/reconcile"
)

func newStatusCmd() *cobra.Command {
	var (
		modelID      string
		modelTag     string
		activeOnly   bool
		includeLocal bool
		showSecrets  bool
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show deployments",
		Long: `Show deployments in progress and deployed.

Pipeline executions are cross-checked against the live stacks: a succeeded
execution whose stack was deleted is not shown, and a failed deployment is
shown only while its rolled-back stack is still around.

Examples:
  mdctl status
  mdctl status --active-only --local
  mdctl status --model-id Qwen2.5-7B-Instruct -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := statusOptions(modelID, modelTag, activeOnly, includeLocal, showSecrets)
			if err != nil {
				return err
			}

			logger := newLogger()
			eng, err := newEngine(cmd.Context(), logger)
			if err != nil {
				return err
			}

			return runStatus(cmd.Context(), cmd.OutOrStdout(), eng, opts, outputFormat, showSecrets)
		},
	}

	cmd.Flags().StringVar(&modelID, "model-id", "", "Only show deployments of this model")
	cmd.Flags().StringVar(&modelTag, "model-tag", "", "Only show this tag (default \"dev\")")
	cmd.Flags().BoolVar(&activeOnly, "active-only", false, "Skip stopped and failed executions")
	cmd.Flags().BoolVar(&includeLocal, "local", false, "Include local Docker deployments")
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Resolve credentials referenced by stack outputs")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")

	return cmd
}

func statusOptions(modelID, modelTag string, activeOnly, includeLocal, showSecrets bool) (reconcile.Options, error) {
	if modelID == "" && modelTag != "" {
		return reconcile.Options{}, fmt.Errorf("--model-tag requires --model-id")
	}
	opts := reconcile.Options{
		ExcludeStoppedFailed: activeOnly,
		IncludeLocal:         includeLocal,
		ResolveSecrets:       showSecrets,
	}
	if modelID != "" {
		key := names.NewKey(modelID, modelTag)
		opts.Filter = &key
	}
	return opts, nil
}

type statusGetter interface {
	GetStatus(ctx context.Context, opts reconcile.Options) (*reconcile.View, error)
}

func runStatus(ctx context.Context, out io.Writer, g statusGetter, opts reconcile.Options, format string, showOutputs bool) error {
	view, err := g.GetStatus(ctx, opts)
	if err != nil {
		return err
	}
	return writeOutput(out, format, view, func(w io.Writer) error {
		printStatusTable(w, view, time.Now(), showOutputs)
		return nil
	})
}

func printStatusTable(w io.Writer, view *reconcile.View, now time.Time, showOutputs bool) {
	if len(view.InProgress) == 0 && len(view.Completed) == 0 && len(view.Local) == 0 {
		fmt.Fprintln(w, "No deployments found.")
		return
	}

	if len(view.InProgress) > 0 {
		fmt.Fprintln(w, "In progress:")
		fmt.Fprintf(w, "  %-40s %-20s %-16s %-32s %s\n", "DEPLOYMENT", "SERVICE", "INSTANCE", "STATUS", "CREATED")
		for _, e := range view.InProgress {
			status := e.EnhancedStatus
			if status == "" {
				status = string(e.Status)
			}
			fmt.Fprintf(w, "  %-40s %-20s %-16s %-32s %s\n",
				truncateString(e.Key.String(), 40),
				truncateString(e.ServiceType, 20),
				truncateString(e.InstanceType, 16),
				truncateString(status, 32),
				formatTimeAgo(e.Created(), now),
			)
			if e.Hint != "" {
				fmt.Fprintf(w, "    hint: %s\n", e.Hint)
			}
		}
	}

	if len(view.Completed) > 0 {
		if len(view.InProgress) > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, "Deployed:")
		fmt.Fprintf(w, "  %-40s %-20s %-24s %s\n", "DEPLOYMENT", "SERVICE", "STATUS", "CREATED")
		for _, s := range view.Completed {
			name := s.Name
			if key, ok := s.Key(); ok {
				name = key.String()
			}
			fmt.Fprintf(w, "  %-40s %-20s %-24s %s\n",
				truncateString(name, 40),
				truncateString(s.Parameters[descriptor.VarServiceType], 20),
				s.Status,
				formatTimeAgo(s.CreatedAt, now),
			)
			if showOutputs {
				printOutputs(w, s.Outputs)
			}
		}
	}

	if len(view.Local) > 0 {
		if len(view.InProgress) > 0 || len(view.Completed) > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, "Local:")
		fmt.Fprintf(w, "  %-40s %-12s %-28s %s\n", "DEPLOYMENT", "STATE", "ENDPOINT", "CREATED")
		for _, d := range view.Local {
			endpoint := d.Endpoint
			if endpoint == "" {
				endpoint = "-"
			}
			fmt.Fprintf(w, "  %-40s %-12s %-28s %s\n",
				truncateString(d.Key.String(), 40),
				d.State,
				endpoint,
				formatTimeAgo(d.Created, now),
			)
		}
	}
}

func printOutputs(w io.Writer, outputs map[string]string) {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "    %s: %s\n", k, outputs[k])
	}
}
