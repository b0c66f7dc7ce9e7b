package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/davidthor/mdctl/pkg/bootstrap"
	"github.com/davidthor/mdctl/pkg/catalog"
	"github.com/davidthor/mdctl/pkg/descriptor"
	"github.com/davidthor/mdctl/pkg/engine"
	"github.com/davidthor/mdctl/pkg/envfile"
)

func newDeployCmd() *cobra.Command {
	var (
		modelID      string
		modelTag     string
		engineTag    string
		instance     string
		service      string
		framework    string
		extraParams  string
		envDir       string
		envName      string
		envFile      string
		noMonitor    bool
		skipGuard    bool
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "deploy [model/tag]",
		Short: "Deploy a model",
		Long: `Deploy a model from the catalog.

The deployment is addressed by model id and tag. Variants that are not
specified default to the first one the model supports. Requests are
validated before anything is sent to AWS. The control plane is created on
first use.

Examples:
  mdctl deploy Qwen2.5-7B-Instruct
  mdctl deploy --model-id Qwen2.5-7B-Instruct --model-tag prod --instance ml.g5.2xlarge
  mdctl deploy Qwen2.5-0.5B-Instruct-GGUF/dev --service local
  mdctl deploy Qwen2.5-7B-Instruct --env-dir ./deploy --env prod
  mdctl deploy Qwen2.5-7B-Instruct --extra-params '{"engine_params":{"max_model_len":"8192"}}'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := resolveKey(args, modelID, modelTag)
			if err != nil {
				return err
			}
			extra, err := parseExtraParams(extraParams)
			if err != nil {
				return err
			}
			envVars, err := loadEnvVars(envDir, envName, envFile)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger := newLogger()
			eng, err := newEngine(ctx, logger)
			if err != nil {
				return err
			}
			extra = withEnvironment(eng.Catalog(), key.ModelID, engineTag, extra, envVars)

			out := cmd.OutOrStdout()
			progress := NewProgressPrinter(out)
			opts := engine.DeployOptions{
				ModelID:     key.ModelID,
				Tag:         key.Tag,
				Engine:      engineTag,
				Instance:    instance,
				Service:     service,
				Framework:   framework,
				ExtraParams: extra,
				SkipGuard:   skipGuard,
				Monitor:     !noMonitor,
			}
			if outputFormat == "table" {
				opts.OnProgress = progress.Update
				fmt.Fprintf(out, "Deploying %s\n", key)
			}

			return runDeploy(ctx, out, eng, opts, outputFormat, progress)
		},
	}

	cmd.Flags().StringVar(&modelID, "model-id", "", "Model id from the catalog")
	cmd.Flags().StringVar(&modelTag, "model-tag", "", "Deployment tag (default \"dev\")")
	cmd.Flags().StringVar(&engineTag, "engine", "", "Inference engine variant")
	cmd.Flags().StringVar(&instance, "instance", "", "Instance variant")
	cmd.Flags().StringVar(&service, "service", "", "Hosting service variant")
	cmd.Flags().StringVar(&framework, "framework", "", "API framework variant")
	cmd.Flags().StringVar(&extraParams, "extra-params", "", "JSON object of parameter overrides")
	cmd.Flags().StringVar(&envDir, "env-dir", "", "Directory holding .env, .env.local, .env.<env> and .env.<env>.local")
	cmd.Flags().StringVar(&envName, "env", "", "Environment name for the --env-dir chain")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Dotenv file of container environment variables, applied after --env-dir")
	cmd.Flags().BoolVar(&noMonitor, "no-monitor", false, "Return once the execution has started")
	cmd.Flags().BoolVar(&skipGuard, "skip-guard", false, "Skip the parallel execution limit")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")

	return cmd
}

// loadEnvVars reads the dotenv chain in envDir and then envFile on top.
func loadEnvVars(envDir, envName, envFile string) (map[string]string, error) {
	if envName != "" && envDir == "" {
		return nil, fmt.Errorf("--env requires --env-dir")
	}
	vars := map[string]string{}
	if envDir != "" {
		chain, err := envfile.Load(envDir, envName)
		if err != nil {
			return nil, err
		}
		maps.Copy(vars, chain)
	}
	if envFile != "" {
		file, err := envfile.ReadFile(envFile)
		if err != nil {
			return nil, err
		}
		maps.Copy(vars, file)
	}
	return vars, nil
}

// withEnvironment puts vars into the engine_params environment. Section
// overrides replace whole keys, so the map starts from the engine's catalog
// environment and keeps any environment given in --extra-params on top.
func withEnvironment(cat *catalog.Catalog, modelID, engineTag string, extra map[string]any, vars map[string]string) map[string]any {
	if len(vars) == 0 {
		return extra
	}
	if engineTag == "" {
		entry, ok := cat.Entry(modelID)
		if !ok {
			return extra
		}
		if engines := entry.Supported(catalog.KindEngine); len(engines) > 0 {
			engineTag = engines[0]
		}
	}

	env := map[string]any{}
	if v, ok := cat.Variant(catalog.KindEngine, engineTag); ok {
		if base, ok := v.Params()["environment"].(map[string]any); ok {
			maps.Copy(env, base)
		}
	}
	for k, v := range vars {
		env[k] = v
	}

	if extra == nil {
		extra = map[string]any{}
	}
	section := map[string]any{}
	if raw, present := extra[descriptor.EngineParams]; present {
		given, ok := raw.(map[string]any)
		if !ok {
			return extra
		}
		section = given
	}
	if given, ok := section["environment"].(map[string]any); ok {
		maps.Copy(env, given)
	}
	section["environment"] = env
	extra[descriptor.EngineParams] = section
	return extra
}

// deployer is the part of the engine the deploy command uses.
type deployer interface {
	Deploy(ctx context.Context, opts engine.DeployOptions) (*engine.DeployResult, error)
}

func runDeploy(ctx context.Context, out io.Writer, d deployer, opts engine.DeployOptions, format string, progress *ProgressPrinter) error {
	result, err := d.Deploy(ctx, opts)
	if err != nil {
		if result != nil && result.Handle != nil {
			return fmt.Errorf("deployment %s (execution %s): %w", result.Key, result.Handle.ExecutionID, err)
		}
		return err
	}

	if err := writeOutput(out, format, result, func(w io.Writer) error {
		printDeployResult(w, result, progress)
		return nil
	}); err != nil {
		return err
	}

	if result.Result != nil && !result.Result.Succeeded() {
		return fmt.Errorf("deployment %s ended %s in the %s stage; run 'mdctl status' for details",
			result.Key, result.Result.Status, result.Result.Stage)
	}
	return nil
}

func printDeployResult(w io.Writer, result *engine.DeployResult, progress *ProgressPrinter) {
	if result.Bootstrap != nil && result.Bootstrap.Action != bootstrap.ActionUnchanged {
		fmt.Fprintf(w, "Control plane %s (%s, version %s)\n", result.Bootstrap.Action, result.Bootstrap.StackName, result.Bootstrap.Version)
	}

	switch {
	case result.Local != nil:
		fmt.Fprintf(w, "Started local container %s (%s)\n", result.Local.Name, truncateString(result.Local.ContainerID, 12))
		if result.Local.Endpoint != "" {
			fmt.Fprintf(w, "Endpoint: %s\n", result.Local.Endpoint)
		}
	case result.Result != nil:
		progress.PrintSummary(result.Result)
		fmt.Fprintln(w)
		if result.Result.Succeeded() {
			fmt.Fprintf(w, "Deployment %s succeeded in %s\n", result.Key, formatElapsed(result.Duration))
			fmt.Fprintf(w, "Stack: %s\n", result.StackName)
		}
	case result.Handle != nil:
		fmt.Fprintf(w, "Started execution %s on %s\n", result.Handle.ExecutionID, result.Handle.PipelineName)
		fmt.Fprintf(w, "Run 'mdctl status --model-id %s --model-tag %s' to follow it.\n", result.Key.ModelID, result.Key.Tag)
	}
}
